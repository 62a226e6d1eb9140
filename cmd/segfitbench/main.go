// segfitbench drives a gpa.Allocator with concurrent random
// allocate/free traffic, the same shape of workload the teacher's
// benchmark ran against its disk allocator, and reports final usage
// and leak status.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shenjiangwei/segfit/backing"
	"github.com/shenjiangwei/segfit/gpa"
	"github.com/shenjiangwei/segfit/gplog"
	"github.com/shenjiangwei/segfit/trace"
)

const (
	minBlockSize = 4 * 1024
	maxBlockSize = 4 * 1024 * 1024
)

type result struct {
	iteration  int
	liveAllocs int
	liveBytes  uint64
	leaked     bool
	duration   time.Duration
}

func runIteration(iteration, goroutines, opsPerIteration int, freeRatio float64) result {
	allocator := gpa.New(backing.New(), gpa.Config{
		StackTraceFrames: 8,
		ThreadSafe:       true,
		Safety:           true,
		RetainMetadata:   true,
	})

	var mu sync.Mutex
	live := make(map[gpa.Mem]uintptr)
	var wg sync.WaitGroup
	ops := 0

	start := time.Now()
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if ops >= opsPerIteration {
					mu.Unlock()
					return
				}
				ops++
				mu.Unlock()

				if rand.Float64() > freeRatio {
					size := uintptr(rand.Int63n(maxBlockSize-minBlockSize+1)) + minBlockSize
					mem := allocator.Allocate(size, 0, trace.ReturnAddress())
					if !mem.IsNil() {
						mu.Lock()
						live[mem] = size
						mu.Unlock()
					}
					continue
				}

				mu.Lock()
				if len(live) == 0 {
					mu.Unlock()
					continue
				}
				var victim gpa.Mem
				for k := range live {
					victim = k
					break
				}
				delete(live, victim)
				mu.Unlock()
				allocator.Free(victim, 0, trace.ReturnAddress())
			}
		}()
	}
	wg.Wait()
	duration := time.Since(start)

	stats := allocator.Stats()
	leaked := allocator.Deinit()

	return result{
		iteration:  iteration,
		liveAllocs: stats.LiveSmallSlots + stats.LiveLargeAllocs,
		liveBytes:  stats.LiveBytes,
		leaked:     leaked,
		duration:   duration,
	}
}

func main() {
	iterations := flag.Int("iterations", 3, "number of benchmark iterations")
	goroutines := flag.Int("goroutines", 10, "concurrent goroutines per iteration")
	ops := flag.Int("ops", 200000, "allocate/free operations per iteration")
	freeRatio := flag.Float64("free-ratio", 0.3, "fraction of operations that are frees")
	flag.Parse()

	fmt.Printf("segfitbench: %d iterations, %d goroutines, %d ops, free ratio %.2f\n",
		*iterations, *goroutines, *ops, *freeRatio)

	for i := 1; i <= *iterations; i++ {
		r := runIteration(i, *goroutines, *ops, *freeRatio)
		fmt.Printf("iteration %d: live=%d bytes=%d leaked=%v duration=%v\n",
			r.iteration, r.liveAllocs, r.liveBytes, r.leaked, r.duration)
		gplog.Info("iteration complete",
			zap.Int("iteration", r.iteration),
			zap.Int("live_allocs", r.liveAllocs),
			zap.Uint64("live_bytes", r.liveBytes),
			zap.Bool("leaked", r.leaked),
		)
	}
	_ = gplog.Sync()
}

// Package mpool layers a size-tiered free-list cache on top of a gpa
// allocator, the way the teacher's memory pool layered fixed pools on
// top of its buddy/slab allocator: a hit avoids a trip through the
// bucket/large-table machinery entirely, a miss falls through to it.
package mpool

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/shenjiangwei/segfit/gpa"
	"github.com/shenjiangwei/segfit/trace"
)

const (
	kb = 1024
	mb = 1024 * 1024

	SmallPoolSize  = 20000 // 4KB-64KB
	MediumPoolSize = 10000 // 64KB-1MB
	LargePoolSize  = 5000  // 1MB-4MB
)

// PoolStats mirrors the teacher's allocation/free hit-miss counters.
type PoolStats struct {
	TotalAllocations uint64
	PoolHits         uint64
	PoolMisses       uint64
	TotalFrees       uint64
	PoolFreeHits     uint64
	PoolFreeMisses   uint64
}

type tier struct {
	mem  []gpa.Mem
	size []uintptr
	used []bool
}

// MemoryPool pre-warms three size tiers from a gpa.Allocator and
// serves Allocate/Free out of them before falling back to the
// allocator directly.
type MemoryPool struct {
	small, medium, large tier

	mu        sync.Mutex
	allocator *gpa.Allocator
	stats     PoolStats
}

// NewMemoryPool pre-allocates every tier's blocks up front, matching
// the teacher's eager-warm-up strategy.
func NewMemoryPool(allocator *gpa.Allocator) (*MemoryPool, error) {
	p := &MemoryPool{allocator: allocator}

	if err := p.small.fill(allocator, SmallPoolSize, 4*kb, 64*kb); err != nil {
		return nil, fmt.Errorf("mpool: pre-allocate small tier: %w", err)
	}
	if err := p.medium.fill(allocator, MediumPoolSize, 64*kb, 1*mb); err != nil {
		return nil, fmt.Errorf("mpool: pre-allocate medium tier: %w", err)
	}
	if err := p.large.fill(allocator, LargePoolSize, 1*mb, 4*mb); err != nil {
		return nil, fmt.Errorf("mpool: pre-allocate large tier: %w", err)
	}
	return p, nil
}

func (t *tier) fill(allocator *gpa.Allocator, count int, lo, hi uintptr) error {
	t.mem = make([]gpa.Mem, count)
	t.size = make([]uintptr, count)
	t.used = make([]bool, count)
	for i := 0; i < count; i++ {
		size := lo + uintptr(rand.Int63n(int64(hi-lo+1)))
		mem := allocator.Allocate(size, 0, trace.ReturnAddress())
		if mem.IsNil() {
			return fmt.Errorf("allocate %d bytes: out of memory", size)
		}
		t.mem[i] = mem
		t.size[i] = size
	}
	return nil
}

func (p *MemoryPool) tierFor(size uintptr) *tier {
	switch {
	case size <= 64*kb:
		return &p.small
	case size <= 1*mb:
		return &p.medium
	case size <= 4*mb:
		return &p.large
	default:
		return nil
	}
}

// Allocate serves size from the matching tier's free list when
// possible, falling through to the allocator on a miss or on a
// request too large for any tier.
func (p *MemoryPool) Allocate(size uintptr) gpa.Mem {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.TotalAllocations++

	if t := p.tierFor(size); t != nil {
		for i := range t.mem {
			if !t.used[i] && t.size[i] >= size {
				t.used[i] = true
				p.stats.PoolHits++
				return t.mem[i]
			}
		}
	}

	p.stats.PoolMisses++
	return p.allocator.Allocate(size, 0, trace.ReturnAddress())
}

// Free returns mem to its tier's free list if it was pool-owned,
// otherwise frees it through the allocator directly.
func (p *MemoryPool) Free(mem gpa.Mem, size uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.TotalFrees++

	if t := p.tierFor(size); t != nil {
		for i := range t.mem {
			if t.mem[i].Ptr == mem.Ptr {
				t.used[i] = false
				p.stats.PoolFreeHits++
				return
			}
		}
	}

	p.stats.PoolFreeMisses++
	p.allocator.Free(mem, 0, trace.ReturnAddress())
}

// Stats returns a snapshot of the pool's hit/miss counters.
func (p *MemoryPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close frees every pre-allocated block across all three tiers.
func (p *MemoryPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range []*tier{&p.small, &p.medium, &p.large} {
		for i, mem := range t.mem {
			p.allocator.Free(mem, 0, trace.ReturnAddress())
			t.mem[i] = gpa.Mem{}
		}
	}
}

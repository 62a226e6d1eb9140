package gpa

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPropertyUsedCountMatchesPopcountAcrossRandomTraffic is P2: a
// bucket's used_count must always equal the population count of its
// used_bits, under arbitrary interleavings of allocate and free.
func TestPropertyUsedCountMatchesPopcountAcrossRandomTraffic(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	rng := rand.New(rand.NewSource(1))

	var live []Mem
	for i := 0; i < 5000; i++ {
		if len(live) == 0 || rng.Float64() < 0.6 {
			mem := a.Allocate(uintptr(8+rng.Intn(1000)), 0, 0)
			if !mem.IsNil() {
				live = append(live, mem)
			}
			continue
		}
		idx := rng.Intn(len(live))
		a.Free(live[idx], 0, 0)
		live[idx] = live[len(live)-1]
		live = live[:len(live)-1]
	}

	for ci := range a.classes {
		header := a.classes[ci].current
		if header == nil {
			continue
		}
		require.Equal(t, header.usedCount, popcount(header.usedBits), "class %d", ci)
	}

	for _, mem := range live {
		a.Free(mem, 0, 0)
	}
	require.False(t, a.Deinit())
}

// TestPropertySlotCursorNeverDecreasesOrReuses is P1: a bucket's
// alloc_cursor only ever moves forward, and no two live allocations
// served from the same bucket ever share an address.
func TestPropertySlotCursorNeverDecreasesOrReuses(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})

	const class = 64 // classIndex(64) == 6, so cursor runs 0..(pageSize/64 - 1)
	idx := classIndex(effectiveSize(class, 0))

	seen := make(map[uintptr]bool)
	lastCursor := -1
	var lastHeader *bucketHeader

	for i := 0; i < 500; i++ {
		mem := a.Allocate(class, 0, 0)
		require.False(t, mem.IsNil())

		header := a.classes[idx].current
		if header == lastHeader {
			require.Greater(t, header.allocCursor, lastCursor, "cursor must strictly advance within a bucket")
		}
		lastHeader = header
		lastCursor = header.allocCursor

		addr := uintptr(mem.Ptr)
		require.False(t, seen[addr], "slot address %x reused while the allocation is still live", addr)
		seen[addr] = true
	}
}

// TestPropertyLiveBytesMatchesSumOfLiveAllocations is P3: Stats()'s
// LiveBytes must equal the bytes held by every still-live allocation:
// the full size-class size for a small one, the requested length for a
// large one.
func TestPropertyLiveBytesMatchesSumOfLiveAllocations(t *testing.T) {
	a, _ := newTestAllocator(t, Config{})
	rng := rand.New(rand.NewSource(3))

	type tracked struct {
		mem Mem
		n   uintptr
	}
	var live []tracked
	var want uint64

	for i := 0; i < 3000; i++ {
		if len(live) == 0 || rng.Float64() < 0.65 {
			n := uintptr(8 + rng.Intn(20000))
			mem := a.Allocate(n, 0, 0)
			if mem.IsNil() {
				continue
			}
			held := n
			if n <= testPageSize/2 {
				held = classSize(classIndex(n))
			}
			live = append(live, tracked{mem, held})
			want += uint64(held)
			continue
		}
		idx := rng.Intn(len(live))
		want -= uint64(live[idx].n)
		a.Free(live[idx].mem, 0, 0)
		live[idx] = live[len(live)-1]
		live = live[:len(live)-1]
	}

	require.Equal(t, want, a.Stats().LiveBytes)
}

// TestPropertyDoubleFreeNeverDoubleDecrements is P4: once a double
// free is detected and recovered, the second Free call must not
// mutate any live bookkeeping a second time.
func TestPropertyDoubleFreeNeverDoubleDecrements(t *testing.T) {
	a, _ := newTestAllocator(t, Config{RetainMetadata: true})

	mem := a.Allocate(500, 0, 0)
	require.False(t, mem.IsNil())
	other := a.Allocate(500, 0, 0) // keeps the bucket alive after mem's free
	require.False(t, other.IsNil())

	a.Free(mem, 0, 0)
	before := a.Stats()

	a.Free(mem, 0, 0)
	a.Free(mem, 0, 0)
	after := a.Stats()

	require.Equal(t, before, after)
}

// TestPropertyResizeNeverMutatesStateOnFailure is P6: a Resize call
// that returns false must leave the allocation's visible bytes and
// the allocator's bookkeeping untouched.
func TestPropertyResizeNeverMutatesStateOnFailure(t *testing.T) {
	a, _ := newTestAllocator(t, Config{EnableMemoryLimit: true})
	a.SetRequestedMemoryLimit(1 << 30)

	mem := a.Allocate(10, 0, 0) // class size 16
	require.False(t, mem.IsNil())
	copy(mem.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	before := a.Stats()
	ok := a.Resize(mem, 0, 17, 0) // crosses into the next size class
	require.False(t, ok)
	require.Equal(t, before, a.Stats())

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.Equal(t, want, mem.Bytes())
}

// TestPropertyOutOfMemoryNeverPanics is P5: when the backing allocator
// cannot satisfy a request, Allocate returns a nil Mem rather than
// panicking, regardless of how large the request is.
func TestPropertyOutOfMemoryNeverPanics(t *testing.T) {
	a, fb := newTestAllocator(t, Config{})
	fb.failAfter = 0

	require.NotPanics(t, func() {
		mem := a.Allocate(^uintptr(0)/2, 0, 0)
		require.True(t, mem.IsNil())
	})
}

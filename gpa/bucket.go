package gpa

import (
	"unsafe"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/shenjiangwei/segfit/gplog"
	"github.com/shenjiangwei/segfit/trace"
)

// createBucket obtains a fresh page from the backing allocator and
// builds its header, per spec.md section 4.2.
func (a *Allocator) createBucket(classIdx int, retAddr uintptr) (*bucketHeader, bool) {
	pageLog2 := classIndex(a.pageSize) // pageSize is a power of two
	buf, err := a.backing.Alloc(a.pageSize, uint8(pageLog2), retAddr)
	if err != nil {
		return nil, false
	}

	size := classSize(classIdx)
	slotCount := int(a.pageSize / size)

	header := &bucketHeader{
		page:        uintptr(unsafe.Pointer(unsafe.SliceData(buf))),
		pageBytes:   buf,
		sizeClass:   classIdx,
		slotCount:   slotCount,
		usedBits:    make([]uint64, (slotCount+63)/64),
		allocTraces: make([]trace.Trace, slotCount),
		freeTraces:  make([]trace.Trace, slotCount),
	}
	if a.cfg.Safety {
		header.requestedSizes = make([]uint32, slotCount)
		header.log2Aligns = make([]uint8, slotCount)
	}

	if a.cfg.VerboseLog {
		gplog.Info("bucket created",
			zap.Uintptr("page", header.page),
			zap.Int("size_class", classIdx),
			zap.Int("slot_count", slotCount),
		)
	}
	return header, true
}

// allocSlot implements spec.md's allocSlot: serve from the current
// bucket, creating a new one when it is nil or exhausted, then claim
// the next never-before-used slot by advancing the cursor.
func (a *Allocator) allocSlot(classIdx int, retAddr uintptr) (*bucketHeader, int, bool) {
	cs := &a.classes[classIdx]

	if cs.current == nil || cs.current.allocCursor == cs.current.slotCount {
		header, ok := a.createBucket(classIdx, retAddr)
		if !ok {
			return nil, 0, false
		}
		cs.active.ReplaceOrInsert(header)
		cs.current = header
	}

	cur := cs.current
	slot := cur.allocCursor
	cur.allocCursor++
	setBit(cur.usedBits, slot)
	cur.usedCount++
	if a.cfg.StackTraceFrames > 0 {
		cur.allocTraces[slot] = trace.Capture(a.cfg.StackTraceFrames, 1, retAddr)
	}
	return cur, slot, true
}

// searchBucket implements spec.md's cached-current fast path plus an
// O(log n) btree lookup keyed by the page address the given address
// falls within.
func (a *Allocator) searchBucket(tree *btree.BTree, current *bucketHeader, addr uintptr) (*bucketHeader, bool) {
	if tree == nil {
		return nil, false
	}
	page := addr &^ (a.pageSize - 1)
	if current != nil && current.page == page {
		return current, true
	}
	item := tree.Get(&bucketHeader{page: page})
	if item == nil {
		return nil, false
	}
	return item.(*bucketHeader), true
}

func slotIndex(header *bucketHeader, addr uintptr) int {
	return int((addr - header.page) / classSize(header.sizeClass))
}

// retireBucket handles a bucket whose used_count has just dropped to
// zero, per spec.md section 4.1's free() bullet list: drop it from
// the active map, clear it if it was current, release its page
// unless never_unmap, and either retain its header (with the cursor
// repurposed as a size-class witness) or let it be garbage collected.
func (a *Allocator) retireBucket(classIdx int, header *bucketHeader, retAddr uintptr) {
	cs := &a.classes[classIdx]
	cs.active.Delete(header)
	if cs.current == header {
		cs.current = nil
	}

	if a.cfg.NeverUnmap {
		a.backing.Decommit(header.pageBytes, uint8(classIndex(a.pageSize)), retAddr)
	} else {
		a.backing.Free(header.pageBytes, uint8(classIndex(a.pageSize)), retAddr)
	}

	if a.cfg.RetainMetadata {
		header.allocCursor = header.slotCount
		cs.empty.ReplaceOrInsert(header)
		gplog.Debug("bucket retired into empty map",
			zap.Uintptr("page", header.page),
			zap.Int("size_class", classIdx),
		)
		return
	}
	// Without retention the header simply falls out of scope; Go's
	// GC reclaims it once the active-map delete above drops the last
	// reference.
}

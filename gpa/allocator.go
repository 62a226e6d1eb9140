package gpa

import (
	"math/bits"
	"unsafe"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/shenjiangwei/segfit/gplog"
	"github.com/shenjiangwei/segfit/trace"
)

const btreeDegree = 32

// ensureInit lazily sizes the per-size-class arrays from the backing
// allocator's page size, the first time any operation runs. The
// caller must already hold a.mu.
func (a *Allocator) ensureInit() {
	if a.initialized {
		return
	}
	a.pageSize = a.backing.PageSize()
	a.numClasses = bits.Len64(uint64(a.pageSize)) - 1
	a.largestSmall = a.pageSize / 2

	a.classes = make([]sizeClassState, a.numClasses)
	for i := range a.classes {
		a.classes[i].active = btree.New(btreeDegree)
		if a.cfg.RetainMetadata {
			a.classes[i].empty = btree.New(btreeDegree)
		}
	}
	a.large = make(map[uintptr]*largeRecord)
	a.initialized = true
}

// Allocate is the external alloc(ctx, length, log2_align, ret_addr)
// operation from spec.md section 6.
func (a *Allocator) Allocate(length uintptr, log2Align uint8, retAddr uintptr) Mem {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureInit()

	if a.cfg.EnableMemoryLimit && a.limitEnabled {
		if a.totalRequested+uint64(length) > a.memLimit {
			return Mem{}
		}
	}

	effective := effectiveSize(length, log2Align)

	var mem Mem
	var ok bool
	if effective > a.largestSmall {
		mem, ok = a.allocateLarge(length, log2Align, retAddr)
	} else {
		idx := classIndex(effective)
		var header *bucketHeader
		var slot int
		header, slot, ok = a.allocSlot(idx, retAddr)
		if ok {
			if a.cfg.Safety {
				header.requestedSizes[slot] = uint32(length)
				header.log2Aligns[slot] = log2Align
			}
			offset := uintptr(slot) * classSize(header.sizeClass)
			ptr := unsafe.Pointer(&header.pageBytes[offset])
			mem = Mem{Ptr: ptr, Len: length}
		}
	}
	if !ok {
		return Mem{}
	}

	if a.cfg.EnableMemoryLimit {
		a.totalRequested += uint64(length)
	}
	if a.cfg.VerboseLog {
		gplog.Info("allocate", zap.Uintptr("addr", mem.addr()), zap.Uintptr("length", length))
	}
	return mem
}

// locateResult identifies where an existing allocation lives, for use
// by Resize and Free.
type locateResult struct {
	small    bool
	header   *bucketHeader
	slot     int
	classIdx int
	stale    bool // found via the empty-buckets map: a retired bucket

	large *largeRecord
}

func (a *Allocator) locate(addr uintptr, length uintptr, log2Align uint8) locateResult {
	effective := effectiveSize(length, log2Align)
	if effective <= a.largestSmall {
		guess := classIndex(effective)
		for idx := guess; idx < a.numClasses; idx++ {
			cs := &a.classes[idx]
			if header, ok := a.searchBucket(cs.active, cs.current, addr); ok {
				return locateResult{small: true, header: header, slot: slotIndex(header, addr), classIdx: idx}
			}
			if a.cfg.RetainMetadata {
				if header, ok := a.searchBucket(cs.empty, nil, addr); ok {
					return locateResult{small: true, header: header, slot: slotIndex(header, addr), classIdx: idx, stale: true}
				}
			}
		}
	}
	if rec, ok := a.large[addr]; ok {
		return locateResult{large: rec}
	}
	return locateResult{}
}

// Resize is the external resize(ctx, old_slice, log2_align,
// new_length, ret_addr) operation from spec.md section 6.
func (a *Allocator) Resize(old Mem, log2Align uint8, newLength uintptr, retAddr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureInit()

	if old.IsNil() || old.Len == 0 {
		return false
	}
	addr := old.addr()
	if a.cfg.VerboseLog {
		gplog.Info("resize", zap.Uintptr("addr", addr), zap.Uintptr("old_length", old.Len), zap.Uintptr("new_length", newLength))
	}
	loc := a.locate(addr, old.Len, log2Align)

	if loc.stale {
		gplog.Fatal("resize of a retired allocation",
			zap.Uintptr("addr", addr),
			zap.String("alloc_trace", loc.header.allocTraces[loc.slot].String()),
			zap.String("free_trace", loc.header.freeTraces[loc.slot].String()),
		)
		return false
	}

	if loc.small {
		return a.resizeSmall(loc, old, log2Align, newLength)
	}
	if loc.large != nil {
		if a.cfg.RetainMetadata && loc.large.freed {
			gplog.Fatal("resize of a freed large allocation", zap.Uintptr("addr", addr))
			return false
		}
		if a.cfg.Safety && uintptr(len(loc.large.bytes)) != old.Len {
			gplog.Fatal("resize length mismatch", zap.Uintptr("addr", addr))
			return false
		}
		return a.resizeLarge(loc.large, newLength, retAddr)
	}

	gplog.Fatal("resize of an unknown pointer", zap.Uintptr("addr", addr))
	return false
}

func (a *Allocator) resizeSmall(loc locateResult, old Mem, log2Align uint8, newLength uintptr) bool {
	header, slot := loc.header, loc.slot
	if !isSet(header.usedBits, slot) {
		gplog.Fatal("resize of a freed slot",
			zap.Uintptr("addr", old.addr()),
			zap.String("alloc_trace", header.allocTraces[slot].String()),
			zap.String("free_trace", header.freeTraces[slot].String()),
		)
		return false
	}
	if a.cfg.Safety {
		if header.requestedSizes[slot] != uint32(old.Len) || header.log2Aligns[slot] != log2Align {
			gplog.Fatal("resize length/alignment mismatch", zap.Uintptr("addr", old.addr()))
			return false
		}
	}

	newEffective := effectiveSize(newLength, log2Align)
	if classIndex(newEffective) != loc.classIdx {
		return false
	}

	offset := uintptr(slot) * classSize(header.sizeClass)
	if newLength < old.Len {
		fillRange(header.pageBytes[offset+newLength : offset+old.Len])
	}
	if a.cfg.Safety {
		header.requestedSizes[slot] = uint32(newLength)
	}
	if a.cfg.EnableMemoryLimit {
		a.totalRequested = uint64(int64(a.totalRequested) + int64(newLength) - int64(old.Len))
	}
	return true
}

// Free is the external free(ctx, old_slice, log2_align, ret_addr)
// operation from spec.md section 6. It never returns a value: it
// either succeeds, recovers from a detected double free, or aborts.
func (a *Allocator) Free(old Mem, log2Align uint8, retAddr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureInit()

	if old.IsNil() {
		return
	}
	if old.Len == 0 {
		gplog.Fatal("free of a zero-length allocation", zap.Uintptr("addr", old.addr()))
		return
	}

	addr := old.addr()
	if a.cfg.VerboseLog {
		gplog.Info("free", zap.Uintptr("addr", addr), zap.Uintptr("length", old.Len))
	}
	loc := a.locate(addr, old.Len, log2Align)

	if loc.stale {
		// The bucket holding this slot has already been fully
		// drained and retired; any address inside it is necessarily
		// a double free. Like the double frees freeSmall and
		// freeLarge detect, it is logged and recovered from.
		gplog.Error("double free (retired bucket)",
			zap.Uintptr("addr", addr),
			zap.String("alloc_trace", loc.header.allocTraces[loc.slot].String()),
			zap.String("free_trace", loc.header.freeTraces[loc.slot].String()),
		)
		return
	}

	if loc.small {
		a.freeSmall(loc, old, log2Align, retAddr)
		return
	}
	if loc.large != nil {
		if a.cfg.Safety && uintptr(len(loc.large.bytes)) != old.Len {
			gplog.Fatal("free length mismatch", zap.Uintptr("addr", addr))
			return
		}
		a.freeLarge(loc.large, addr, retAddr)
		return
	}

	gplog.Fatal("free of an unknown pointer", zap.Uintptr("addr", addr))
}

func (a *Allocator) freeSmall(loc locateResult, old Mem, log2Align uint8, retAddr uintptr) {
	header, slot := loc.header, loc.slot
	if !isSet(header.usedBits, slot) {
		gplog.Error("double free",
			zap.Uintptr("addr", old.addr()),
			zap.String("alloc_trace", header.allocTraces[slot].String()),
			zap.String("free_trace", header.freeTraces[slot].String()),
		)
		return
	}
	if a.cfg.Safety {
		if header.requestedSizes[slot] != uint32(old.Len) || header.log2Aligns[slot] != log2Align {
			gplog.Fatal("free length/alignment mismatch", zap.Uintptr("addr", old.addr()))
			return
		}
	}

	if a.cfg.StackTraceFrames > 0 {
		header.freeTraces[slot] = trace.Capture(a.cfg.StackTraceFrames, 1, retAddr)
	}
	clearBit(header.usedBits, slot)
	header.usedCount--
	if a.cfg.Safety {
		header.requestedSizes[slot] = 0
	}

	offset := uintptr(slot) * classSize(header.sizeClass)
	fillRange(header.pageBytes[offset : offset+old.Len])

	if a.cfg.EnableMemoryLimit {
		a.totalRequested -= uint64(old.Len)
	}
	if header.usedCount == 0 {
		a.retireBucket(loc.classIdx, header, retAddr)
	}
}

// Stats returns a snapshot of allocator-wide bookkeeping.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensureInit()

	var s Stats
	for i := range a.classes {
		a.classes[i].active.Ascend(func(item btree.Item) bool {
			h := item.(*bucketHeader)
			s.BucketCount++
			s.LiveSmallSlots += h.usedCount
			s.LiveBytes += uint64(h.usedCount) * uint64(classSize(h.sizeClass))
			return true
		})
	}
	for _, rec := range a.large {
		if a.cfg.RetainMetadata && rec.freed {
			continue
		}
		s.LiveLargeAllocs++
		s.LiveBytes += uint64(len(rec.bytes))
	}
	return s
}

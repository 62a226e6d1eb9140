package gpa

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/shenjiangwei/segfit/gplog"
	"github.com/shenjiangwei/segfit/trace"
)

// allocateLarge implements spec.md section 4.3's large-path Allocate:
// delegate to the backing allocator, insert the record, capture the
// alloc trace. Go's builtin map never fails to grow, so unlike the
// source prose this need not pre-reserve a slot before delegating —
// see DESIGN.md for that Open Question's resolution.
func (a *Allocator) allocateLarge(length uintptr, log2Align uint8, retAddr uintptr) (Mem, bool) {
	buf, err := a.backing.Alloc(length, log2Align, retAddr)
	if err != nil {
		return Mem{}, false
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	rec := &largeRecord{
		bytes:     buf,
		log2Align: log2Align,
	}
	if a.cfg.StackTraceFrames > 0 {
		rec.allocTrace = trace.Capture(a.cfg.StackTraceFrames, 1, retAddr)
	}
	a.large[addr] = rec

	if a.cfg.VerboseLog {
		gplog.Info("large allocation", zap.Uintptr("addr", addr), zap.Uintptr("size", length))
	}
	return Mem{Ptr: unsafe.Pointer(addr), Len: length}, true
}

// resizeLarge implements the large-path Resize: ask the backing
// allocator to resize in place; on refusal, leave everything
// untouched. When the byte cap is enabled, the tentative total is
// checked before calling the backing allocator, since a backing
// failure after the cap has already been charged could not be
// reverted cleanly.
func (a *Allocator) resizeLarge(rec *largeRecord, newLength uintptr, retAddr uintptr) bool {
	oldLength := uintptr(len(rec.bytes))

	var tentative uint64
	if a.cfg.EnableMemoryLimit {
		tentative = a.totalRequested - uint64(oldLength) + uint64(newLength)
		if a.limitEnabled && tentative > a.memLimit {
			return false
		}
	}

	if !a.backing.Resize(rec.bytes, rec.log2Align, newLength, retAddr) {
		return false
	}

	// The backing mapping genuinely grew or shrank in place; rebuild
	// the slice header from the (unchanged) base pointer so rec.bytes
	// reflects the new length without being bounded by the Go slice
	// capacity recorded at the original Alloc.
	base := unsafe.Pointer(unsafe.SliceData(rec.bytes))
	rec.bytes = unsafe.Slice((*byte)(base), int(newLength))

	if a.cfg.StackTraceFrames > 0 {
		rec.allocTrace = trace.Capture(a.cfg.StackTraceFrames, 1, retAddr)
	}
	if a.cfg.EnableMemoryLimit {
		a.totalRequested = tentative
	}
	return true
}

// freeLarge implements the large-path Free from spec.md section 4.3.
func (a *Allocator) freeLarge(rec *largeRecord, addr uintptr, retAddr uintptr) {
	if a.cfg.RetainMetadata && rec.freed {
		gplog.Error("double free (large allocation)",
			zap.Uintptr("addr", addr),
			zap.String("alloc_trace", rec.allocTrace.String()),
			zap.String("free_trace", rec.freeTrace.String()),
		)
		return
	}

	if a.cfg.NeverUnmap {
		a.backing.Decommit(rec.bytes, rec.log2Align, retAddr)
	} else {
		a.backing.Free(rec.bytes, rec.log2Align, retAddr)
	}
	if a.cfg.EnableMemoryLimit {
		a.totalRequested -= uint64(len(rec.bytes))
	}

	if a.cfg.RetainMetadata {
		rec.freed = true
		if a.cfg.StackTraceFrames > 0 {
			rec.freeTrace = trace.Capture(a.cfg.StackTraceFrames, 1, retAddr)
		}
		return
	}
	delete(a.large, addr)
}

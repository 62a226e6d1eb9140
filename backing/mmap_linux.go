//go:build linux

package backing

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Resize asks the kernel to grow or shrink buf in place via mremap
// without MREMAP_MAYMOVE, so it either keeps buf's base address or
// fails outright — never silently relocates, matching spec.md's "a
// same-address guarantee is the whole point of resize".
func (m *Mmap) Resize(buf []byte, _ uint8, newLength uintptr, _ uintptr) bool {
	if len(buf) == 0 || newLength == 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	m.mu.Lock()
	_, tracked := m.regions[addr]
	m.mu.Unlock()
	if tracked {
		// buf is a trimmed slice of a larger mapping;
		// mremap would operate on the wrong boundaries.
		return false
	}

	pageSize := m.PageSize()
	newMapLen := roundUp(newLength, pageSize)
	oldMapLen := roundUp(uintptr(len(buf)), pageSize)
	if newMapLen == oldMapLen {
		return true
	}

	// buf's own len/cap reflect its logical length, not the mapping's
	// actual page-rounded extent — a prior Resize can easily leave
	// len(buf) short of a page multiple while the mapping itself is
	// still a whole number of pages. Build the mremap input slice from
	// the base pointer with an explicit length instead of reslicing
	// buf, which would panic whenever oldMapLen exceeds cap(buf).
	mapping := unsafe.Slice((*byte)(unsafe.Pointer(addr)), oldMapLen)
	resized, err := unix.Mremap(mapping, int(newMapLen), 0)
	if err != nil {
		return false
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(resized))) == addr
}

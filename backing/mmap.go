package backing

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mmap is the default Backing: every page it hands out comes from an
// anonymous, private mmap mapping, the way
// matrixorigin-matrixone/pkg/common/malloc's fixedSizeMmapAllocator
// sources its slabs. Resize-in-place and the post-free reuse hint are
// platform-specific (see mmap_linux.go / mmap_darwin.go).
type Mmap struct {
	once     sync.Once
	pageSize uintptr

	mu      sync.Mutex
	regions map[uintptr]mmapRegion // returned-slice base -> underlying mapping
}

// mmapRegion is the full mapping Alloc carved a trimmed slice out of
// (for over-alignment or a length that is not a page multiple), so
// Free can unmap everything mmap actually reserved rather than just
// the slice the allocator sees.
type mmapRegion struct {
	base []byte
}

// New returns the default mmap-backed provider.
func New() *Mmap {
	return &Mmap{regions: make(map[uintptr]mmapRegion)}
}

func (m *Mmap) PageSize() uintptr {
	m.once.Do(func() {
		m.pageSize = uintptr(unix.Getpagesize())
	})
	return m.pageSize
}

// Alloc maps a fresh, zero-filled region. mmap itself only guarantees
// page alignment; when the caller needs more than that, Alloc
// over-maps by the extra slack and trims the unused head so the
// returned slice starts at the requested alignment; the tail beyond
// length is trimmed too. Whenever the returned slice is not the whole
// mapping, the untrimmed mapping is remembered so Free can release
// all of it, not just the visible slice.
func (m *Mmap) Alloc(length uintptr, log2Align uint8, _ uintptr) ([]byte, error) {
	pageSize := m.PageSize()
	align := uintptr(1) << log2Align

	mapLen := length
	if align > pageSize {
		mapLen += align
	}
	mapLen = roundUp(mapLen, pageSize)

	raw, err := unix.Mmap(
		-1, 0, int(mapLen),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, ErrUnavailable
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	aligned := roundUp(base, align)
	offset := aligned - base

	if offset == 0 && uintptr(len(raw)) == length {
		return raw, nil
	}

	trimmed := raw[offset : offset+length : offset+length]
	m.mu.Lock()
	m.regions[uintptr(unsafe.Pointer(unsafe.SliceData(trimmed)))] = mmapRegion{base: raw}
	m.mu.Unlock()
	return trimmed, nil
}

// Free unmaps buf's underlying pages, including any head slack an
// over-aligned Alloc trimmed away.
func (m *Mmap) Free(buf []byte, _ uint8, _ uintptr) {
	if len(buf) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	m.mu.Lock()
	region, tracked := m.regions[addr]
	if tracked {
		delete(m.regions, addr)
	}
	m.mu.Unlock()

	if tracked {
		_ = unix.Munmap(region.base)
		return
	}
	_ = unix.Munmap(buf)
}

// Decommit advises the kernel that buf's physical pages may be
// reclaimed (MADV_DONTNEED) without unmapping buf itself. A later
// access remains valid and reads back zero-filled pages rather than
// faulting, which is the point: never_unmap wants a live address, not
// a segfault.
func (m *Mmap) Decommit(buf []byte, _ uint8, _ uintptr) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Madvise(buf, unix.MADV_DONTNEED)
}

func roundUp(n, mult uintptr) uintptr {
	return (n + mult - 1) &^ (mult - 1)
}

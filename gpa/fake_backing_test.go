package gpa

import (
	"sync"
	"unsafe"

	"github.com/shenjiangwei/segfit/backing"
)

// fakeBacking is a deterministic, in-process stand-in for backing.Mmap:
// plain heap slices instead of real mmap calls, with a pre-reserved
// slack region per allocation so Resize can genuinely grow in place up
// to a bound, the same way a real mmap/mremap pair can only grow
// within whatever address space happens to be free beyond it.
type fakeBacking struct {
	mu       sync.Mutex
	pageSize uintptr

	failAfter int // -1 disables; 0 makes the next Alloc fail
	entries   map[uintptr]*fakeEntry
}

type fakeEntry struct {
	backing []byte // fixed underlying capacity, never reassigned
	length  uintptr
}

func newFakeBacking(pageSize uintptr) *fakeBacking {
	return &fakeBacking{
		pageSize:  pageSize,
		failAfter: -1,
		entries:   make(map[uintptr]*fakeEntry),
	}
}

func addrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

func (f *fakeBacking) PageSize() uintptr {
	return f.pageSize
}

func (f *fakeBacking) Alloc(length uintptr, _ uint8, _ uintptr) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter == 0 {
		return nil, backing.ErrUnavailable
	}
	if f.failAfter > 0 {
		f.failAfter--
	}

	slack := length
	if slack < f.pageSize {
		slack = f.pageSize
	}
	underlying := make([]byte, length, length+slack)
	buf := underlying[:length]

	entry := &fakeEntry{backing: underlying, length: length}
	f.entries[addrOf(buf)] = entry
	return buf, nil
}

func (f *fakeBacking) Resize(buf []byte, _ uint8, newLength uintptr, _ uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[addrOf(buf)]
	if !ok || newLength > uintptr(cap(entry.backing)) {
		return false
	}
	entry.length = newLength
	return true
}

func (f *fakeBacking) Free(buf []byte, _ uint8, _ uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, addrOf(buf))
}

func (f *fakeBacking) Decommit(buf []byte, _ uint8, _ uintptr) {
	for i := range buf {
		buf[i] = 0
	}
}

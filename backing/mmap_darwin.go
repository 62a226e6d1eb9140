//go:build darwin

package backing

// Resize has no in-place-without-move equivalent of mremap on Darwin,
// so it always declines; callers fall back to allocate-copy-free,
// which spec.md explicitly allows ("If refused, return false without
// mutating state").
func (m *Mmap) Resize(_ []byte, _ uint8, _ uintptr, _ uintptr) bool {
	return false
}

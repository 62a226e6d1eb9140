// Package gpa is a segregated-fit, debug-instrumented general-purpose
// allocator: small requests are served from size-classed bucket pages
// with monotone (never-reused) slot assignment, large requests from a
// hash-indexed side table, both instrumented for double-free and leak
// detection with captured stack traces.
package gpa

import (
	"unsafe"

	"github.com/google/btree"

	"github.com/shenjiangwei/segfit/backing"
	"github.com/shenjiangwei/segfit/gpamutex"
	"github.com/shenjiangwei/segfit/trace"
)

// Mem is a pointer+length pair, the Go analogue of the fat pointer the
// external contract in spec.md section 6 passes around (a slice
// without a baked-in capacity). Allocate returns Mem{} on failure;
// Resize and Free take the Mem a prior Allocate/Resize returned.
type Mem struct {
	Ptr unsafe.Pointer
	Len uintptr
}

// IsNil reports whether m represents a failed allocation.
func (m Mem) IsNil() bool {
	return m.Ptr == nil
}

// Bytes reconstructs a slice view of m. Each call builds a fresh
// slice header from the pointer and length, so growing m.Len after an
// in-place Resize is always safe to view, unlike a cached Go slice
// whose capacity was fixed at the original Allocate.
func (m Mem) Bytes() []byte {
	if m.Ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(m.Ptr), m.Len)
}

func (m Mem) addr() uintptr {
	return uintptr(m.Ptr)
}

// Config enumerates every compile-time option in spec.md section 6.
// Go has no comptime branching, so these are read once at New and
// held for the allocator's lifetime rather than specialized away.
type Config struct {
	// StackTraceFrames is the depth of captured traces; 0 disables
	// trace recording entirely.
	StackTraceFrames int

	// EnableMemoryLimit turns on the total_requested_bytes counter
	// and lets SetRequestedMemoryLimit set a requested_memory_limit
	// ceiling; no ceiling applies until that call is made.
	EnableMemoryLimit bool

	// Safety enables per-slot stored length/alignment and all
	// mismatch checks.
	Safety bool

	// ThreadSafe selects a real mutex over a no-op one, unless
	// MutexFactory overrides the choice.
	ThreadSafe bool

	// MutexFactory overrides the thread_safe/not-thread_safe default.
	MutexFactory gpamutex.Factory

	// NeverUnmap replaces backing frees with Decommit: freed pages stay
	// mapped, so their addresses are never handed to another mapping,
	// and a stale access reads zero-filled memory rather than faulting.
	// Decommitted pages are never returned to the backing provider,
	// whether or not RetainMetadata is set; neither
	// FlushRetainedMetadata nor Deinit releases them.
	NeverUnmap bool

	// RetainMetadata keeps freed records' metadata around for
	// double-free detection, and enables FlushRetainedMetadata.
	RetainMetadata bool

	// VerboseLog emits an info record for every allocate/resize/free.
	VerboseLog bool
}

func (c Config) mutexFactory() gpamutex.Factory {
	if c.MutexFactory != nil {
		return c.MutexFactory
	}
	if c.ThreadSafe {
		return gpamutex.NewReal()
	}
	return gpamutex.NewNoop()
}

// Stats is a read-only snapshot of allocator-wide bookkeeping, the
// generalization of the teacher's GetUsedSize/GetMemoryUsage pair.
type Stats struct {
	LiveBytes       uint64
	LiveSmallSlots  int
	LiveLargeAllocs int
	BucketCount     int
}

// bucketHeader is the per-bucket-page metadata block described in
// spec.md section 3. It lives in its own Go allocation, never on the
// page itself, and is ordered in its size class's btree by page
// address.
type bucketHeader struct {
	page      uintptr
	pageBytes []byte
	sizeClass int // index; actual size is 1<<sizeClass
	slotCount int

	allocCursor int
	usedCount   int
	usedBits    []uint64

	requestedSizes []uint32 // present only when Safety is set
	log2Aligns     []uint8  // present only when Safety is set

	allocTraces []trace.Trace
	freeTraces  []trace.Trace
}

// Less implements btree.Item, ordering buckets by page base address.
func (h *bucketHeader) Less(other btree.Item) bool {
	return h.page < other.(*bucketHeader).page
}

// sizeClassState is the per-size-class structure from spec.md
// section 3: an ordered map of buckets, the current bucket new
// allocations flow into, and (when retain_metadata is on) a second
// ordered map of fully-drained buckets kept around for double-free
// detection.
type sizeClassState struct {
	active  *btree.BTree
	empty   *btree.BTree // nil unless RetainMetadata
	current *bucketHeader
}

// largeRecord is one entry in the large-allocation side table.
type largeRecord struct {
	bytes     []byte
	allocTrace trace.Trace
	freeTrace  trace.Trace
	freed      bool // meaningful only when RetainMetadata is set
	log2Align  uint8
}

// Allocator is the top-level object described in spec.md section
//4.1: configuration, mutex, per-size-class state, and the large
// table, dispatching every call to one of the two stores.
type Allocator struct {
	mu      gpamutex.Mutex
	backing backing.Backing
	cfg     Config

	initialized bool
	pageSize    uintptr
	numClasses  int
	largestSmall uintptr

	classes []sizeClassState
	large   map[uintptr]*largeRecord

	limitEnabled   bool
	memLimit       uint64
	totalRequested uint64
}

// New constructs an Allocator over the given backing provider. The
// per-size-class arrays are not sized here: spec.md requires the page
// size be read from the backing allocator "at first use", so sizing
// is deferred to the first Allocate/Resize/Free/Stats call.
//
// EnableMemoryLimit only turns on the total_requested_bytes counter;
// the ceiling itself stays disabled (limitEnabled false, matching an
// unlimited requested_memory_limit) until SetRequestedMemoryLimit is
// called. Defaulting limitEnabled to EnableMemoryLimit would make
// memLimit's zero value a ceiling of zero, rejecting every allocation
// until the caller remembered to raise it.
func New(b backing.Backing, cfg Config) *Allocator {
	return &Allocator{
		backing: b,
		cfg:     cfg,
		mu:      cfg.mutexFactory()(),
	}
}

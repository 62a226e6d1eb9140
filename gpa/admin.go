package gpa

import (
	"github.com/google/btree"

	"github.com/shenjiangwei/segfit/gplog"
)

// SetRequestedMemoryLimit sets or updates the byte cap described in
// spec.md section 4.1. It has no effect unless EnableMemoryLimit was
// set at New.
func (a *Allocator) SetRequestedMemoryLimit(limit uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cfg.EnableMemoryLimit {
		gplog.Info("SetRequestedMemoryLimit called without EnableMemoryLimit; ignored")
		return
	}
	a.limitEnabled = true
	a.memLimit = limit
}

// FlushRetainedMetadata drops every freed-but-retained record: the
// empty-buckets map entries for each size class, and large-table
// entries marked freed. It is only meaningful when RetainMetadata is
// set, matching spec.md section 4.1.
func (a *Allocator) FlushRetainedMetadata() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cfg.RetainMetadata || !a.initialized {
		return
	}

	for idx := range a.classes {
		a.classes[idx].empty = btree.New(btreeDegree)
	}
	for addr, rec := range a.large {
		if rec.freed {
			delete(a.large, addr)
		}
	}
}

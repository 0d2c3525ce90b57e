package worker

import (
	"sync"
	"time"

	"github.com/itskum47/bundleworker/bundle"
	"github.com/itskum47/bundleworker/observability"
)

// ScratchRegistry is the process-local mapping uuid -> ScratchRecord
// described in §4.6: created by the Launcher when a bundle starts running
// on this worker, consulted by the ActionDispatcher to record applied
// kills, and consumed (and deleted) by the Finalizer when the bundle
// reaps. It has no cross-worker visibility; a crash with live entries
// orphans the corresponding RUNNING bundles until an operator intervenes.
type ScratchRegistry struct {
	mu      sync.Mutex
	records map[string]*bundle.ScratchRecord
}

// NewScratchRegistry returns an empty registry.
func NewScratchRegistry() *ScratchRegistry {
	return &ScratchRegistry{records: make(map[string]*bundle.ScratchRecord)}
}

// Begin allocates a ScratchRecord for uuid with the given resolved parents,
// stamping StartTime to now. Called by the Launcher at start().
func (r *ScratchRegistry) Begin(uuid string, parentDict map[string]*bundle.Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[uuid] = &bundle.ScratchRecord{
		ParentDict: parentDict,
		StartTime:  time.Now(),
	}
	observability.ScratchRegistrySize.Set(float64(len(r.records)))
}

// Get returns the ScratchRecord for uuid, and whether one exists.
func (r *ScratchRegistry) Get(uuid string) (*bundle.ScratchRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[uuid]
	return rec, ok
}

// RecordAction appends action to uuid's AppliedActions. Called by the
// ActionDispatcher once Machine.Kill confirms the action took effect. A
// missing record is a no-op: the bundle may have reaped between the
// dispatcher's read and this call, in which case there is nothing left to
// annotate (the finalize path has already moved on).
func (r *ScratchRegistry) RecordAction(uuid string, action bundle.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[uuid]
	if !ok {
		return
	}
	rec.AppliedActions = append(rec.AppliedActions, string(action))
}

// Consume removes and returns uuid's ScratchRecord. Called once by the
// Finalizer per bundle; the second bool reports whether a record existed.
func (r *ScratchRegistry) Consume(uuid string) (*bundle.ScratchRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[uuid]
	if ok {
		delete(r.records, uuid)
		observability.ScratchRegistrySize.Set(float64(len(r.records)))
	}
	return rec, ok
}

// Len reports how many bundles this worker currently believes are RUNNING.
func (r *ScratchRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Package timeline records the audit trail of what the worker did to each
// bundle, independent of the bundle's own durable Metadata. It is an
// observability side channel only: nothing in the worker core depends on
// reading it back to make a scheduling decision.
package timeline

import (
	"sync"
	"time"
)

// StageEvent is one recorded step in a bundle's lifecycle.
type StageEvent struct {
	BundleUUID string            `json:"bundle_uuid"`
	Stage      string            `json:"stage"` // STAGED, FAILED (resolver); READY, FAILED (finalizer)
	Timestamp  time.Time         `json:"timestamp"`
	WorkerID   string            `json:"worker_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Store is an in-process, append-only audit timeline. Operators who need
// durability swap this for a store backed by the same MetadataStore
// Postgres instance; the Finalizer and DependencyResolver only depend on
// Record.
type Store struct {
	events []StageEvent
	mu     sync.RWMutex
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{events: make([]StageEvent, 0)}
}

// Record appends e, stamping Timestamp if the caller left it zero.
func (s *Store) Record(e StageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
}

// GetEvents returns every recorded event for bundleUUID, in record order.
func (s *Store) GetEvents(bundleUUID string) []StageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []StageEvent
	for _, e := range s.events {
		if e.BundleUUID == bundleUUID {
			results = append(results, e)
		}
	}
	return results
}

// GetAllEvents returns a copy of the full recorded timeline.
func (s *Store) GetAllEvents() []StageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]StageEvent, len(s.events))
	copy(c, s.events)
	return c
}

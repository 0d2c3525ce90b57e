package store

import (
	"context"
	"sync"

	"github.com/itskum47/bundleworker/bundle"
)

// MemoryStore is an in-process MetadataStore, used by the worker's own test
// suite and by operators running a single-node evaluation deployment. It
// mirrors the lock-and-copy discipline of the teacher's MemoryStore: every
// read returns a copy so callers can't mutate store state by holding a
// pointer, and every write happens under a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	bundles map[string]*bundle.Bundle
	actions []bundle.BundleAction
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bundles: make(map[string]*bundle.Bundle),
	}
}

// Put inserts or overwrites a bundle directly. Test helper; not part of
// MetadataStore.
func (s *MemoryStore) Put(b *bundle.Bundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bundles[b.UUID] = &cp
}

func (s *MemoryStore) BatchGetBundles(ctx context.Context, filter bundle.BundleFilter) ([]*bundle.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*bundle.Bundle
	for _, b := range s.bundles {
		if len(filter.UUIDs) > 0 {
			if _, ok := filter.UUIDs[b.UUID]; !ok {
				continue
			}
		}
		if filter.State != "" && b.State != filter.State {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) BatchUpdateBundles(ctx context.Context, bundles []*bundle.Bundle, update BundleUpdate, condition BundleCondition) error {
	if len(bundles) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check the precondition for every row before mutating any of them, so
	// the update is genuinely all-or-nothing.
	for _, b := range bundles {
		existing, ok := s.bundles[b.UUID]
		if !ok || existing.State != condition.State {
			return ErrConditionFailed
		}
	}
	for _, b := range bundles {
		existing := s.bundles[b.UUID]
		applyUpdate(existing, update)
	}
	return nil
}

func (s *MemoryStore) UpdateBundle(ctx context.Context, b *bundle.Bundle, update BundleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.bundles[b.UUID]
	if !ok {
		return nil
	}
	applyUpdate(existing, update)
	return nil
}

func (s *MemoryStore) PopBundleActions(ctx context.Context) ([]bundle.BundleAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	popped := s.actions
	s.actions = nil
	return popped, nil
}

func (s *MemoryStore) AddBundleActions(ctx context.Context, actions []bundle.BundleAction) error {
	if len(actions) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, actions...)
	return nil
}

func applyUpdate(b *bundle.Bundle, update BundleUpdate) {
	if update.SetState {
		b.State = update.State
	}
	if update.SetDataHash {
		b.DataHash = update.DataHash
	}
	if update.SetMetadata {
		b.Metadata = update.Metadata
	}
}

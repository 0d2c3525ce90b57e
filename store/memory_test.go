package store

import (
	"context"
	"errors"
	"testing"

	"github.com/itskum47/bundleworker/bundle"
)

func TestMemoryStoreConditionalUpdateAllOrNothing(t *testing.T) {
	s := NewMemoryStore()
	a := &bundle.Bundle{UUID: "a", State: bundle.Staged}
	b := &bundle.Bundle{UUID: "b", State: bundle.Created} // wrong pre-state
	s.Put(a)
	s.Put(b)

	err := s.BatchUpdateBundles(context.Background(), []*bundle.Bundle{a, b},
		BundleUpdate{State: bundle.Running, SetState: true},
		BundleCondition{State: bundle.Staged})

	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	got, _ := s.BatchGetBundles(context.Background(), bundle.BundleFilter{UUIDs: map[string]struct{}{"a": {}}})
	if got[0].State != bundle.Staged {
		t.Fatalf("partial batch should not have been applied, got state %s", got[0].State)
	}
}

func TestMemoryStoreConditionalUpdateExclusion(t *testing.T) {
	s := NewMemoryStore()
	a := &bundle.Bundle{UUID: "a", State: bundle.Staged}
	s.Put(a)

	err1 := s.BatchUpdateBundles(context.Background(), []*bundle.Bundle{a},
		BundleUpdate{State: bundle.Running, SetState: true}, BundleCondition{State: bundle.Staged})
	err2 := s.BatchUpdateBundles(context.Background(), []*bundle.Bundle{a},
		BundleUpdate{State: bundle.Running, SetState: true}, BundleCondition{State: bundle.Staged})

	if err1 != nil {
		t.Fatalf("first racer should win, got %v", err1)
	}
	if !errors.Is(err2, ErrConditionFailed) {
		t.Fatalf("second racer should lose with ErrConditionFailed, got %v", err2)
	}
}

func TestMemoryStoreActionQueueRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	actions := []bundle.BundleAction{{BundleUUID: "a", Action: bundle.ActionKill}}
	if err := s.AddBundleActions(ctx, actions); err != nil {
		t.Fatalf("AddBundleActions: %v", err)
	}

	popped, err := s.PopBundleActions(ctx)
	if err != nil {
		t.Fatalf("PopBundleActions: %v", err)
	}
	if len(popped) != 1 || popped[0].BundleUUID != "a" {
		t.Fatalf("unexpected popped actions: %+v", popped)
	}

	popped2, _ := s.PopBundleActions(ctx)
	if len(popped2) != 0 {
		t.Fatalf("expected empty queue after drain, got %+v", popped2)
	}
}

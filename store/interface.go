// Package store implements the MetadataStore collaborator described in
// §6 of the specification: batched reads, conditional batched updates (the
// worker's sole cross-peer mutual-exclusion primitive), an unconditional
// single-row update, and an atomically-drained action queue.
package store

import (
	"context"
	"errors"

	"github.com/itskum47/bundleworker/bundle"
)

// ErrConditionFailed is returned by BatchUpdateBundles when the pre-state
// condition did not hold for at least one of the targeted rows. It is not a
// fatal error: callers are expected to drop the batch and retry next tick.
var ErrConditionFailed = errors.New("store: conditional update failed, pre-state no longer matches")

// MetadataStore is the durable collaborator every worker component reads
// and writes bundle state through. Implementations MUST make
// BatchUpdateBundles atomic and all-or-nothing per call: either every
// targeted row is updated, or the store state is left untouched.
type MetadataStore interface {
	// BatchGetBundles fetches bundles matching the filter. An empty result
	// is not an error.
	BatchGetBundles(ctx context.Context, filter bundle.BundleFilter) ([]*bundle.Bundle, error)

	// BatchUpdateBundles applies update to every bundle in bundles iff each
	// one currently satisfies condition (typically {state: expected}). It
	// returns ErrConditionFailed if any row failed the condition check, in
	// which case none of the rows were modified.
	BatchUpdateBundles(ctx context.Context, bundles []*bundle.Bundle, update BundleUpdate, condition BundleCondition) error

	// UpdateBundle applies update to a single bundle unconditionally. Used
	// only by the Finalizer, which owns the RUNNING claim and therefore
	// needs no pre-state check.
	UpdateBundle(ctx context.Context, b *bundle.Bundle, update BundleUpdate) error

	// PopBundleActions atomically drains and returns every queued action.
	PopBundleActions(ctx context.Context) ([]bundle.BundleAction, error)

	// AddBundleActions enqueues actions, typically actions re-queued after
	// a failed or unrecognized dispatch attempt.
	AddBundleActions(ctx context.Context, actions []bundle.BundleAction) error
}

// BundleUpdate is the set of fields a store write may change. Fields left at
// their zero value and not flagged via the Set* booleans are left untouched.
type BundleUpdate struct {
	State           bundle.State
	SetState        bool
	DataHash        *string
	SetDataHash     bool
	Metadata        bundle.Metadata
	SetMetadata     bool
}

// BundleCondition is the pre-state predicate a conditional update checks.
type BundleCondition struct {
	State bundle.State
}

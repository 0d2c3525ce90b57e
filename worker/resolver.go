package worker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/itskum47/bundleworker/bundle"
	"github.com/itskum47/bundleworker/observability"
	"github.com/itskum47/bundleworker/store"
	"github.com/itskum47/bundleworker/timeline"
)

// DependencyResolver implements §4.2: it advances CREATED bundles to
// STAGED once every parent is READY, or to FAILED the moment any parent
// has already FAILED.
type DependencyResolver struct {
	store    store.MetadataStore
	timeline *timeline.Store
	cfg      Config
}

// NewDependencyResolver wires a DependencyResolver against its collaborators.
func NewDependencyResolver(s store.MetadataStore, tl *timeline.Store, cfg Config) *DependencyResolver {
	return &DependencyResolver{store: s, timeline: tl, cfg: cfg}
}

// Advance fetches every CREATED bundle, classifies each against its
// resolved parents, and commits the STAGED and FAILED batches. It reports
// true iff any transition was committed; per §4.1 this does NOT by itself
// count as control-loop activity.
func (r *DependencyResolver) Advance(ctx context.Context) (bool, error) {
	created, err := r.store.BatchGetBundles(ctx, bundle.BundleFilter{State: bundle.Created})
	if err != nil {
		return false, fmt.Errorf("dependency resolver: batch get CREATED: %w", err)
	}
	if len(created) == 0 {
		return false, nil
	}

	parentUUIDs := make(map[string]struct{})
	for _, b := range created {
		for uuid := range b.ParentUUIDs() {
			parentUUIDs[uuid] = struct{}{}
		}
	}
	parents, err := r.store.BatchGetBundles(ctx, bundle.BundleFilter{UUIDs: parentUUIDs})
	if err != nil {
		return false, fmt.Errorf("dependency resolver: batch get parents: %w", err)
	}
	parentByUUID := make(map[string]*bundle.Bundle, len(parents))
	for _, p := range parents {
		parentByUUID[p.UUID] = p
	}

	var toStage []*bundle.Bundle
	var toFail []*bundle.Bundle
	failMessages := make(map[string]string)

	for _, b := range created {
		outcome, failMsg := classify(b, parentByUUID)
		switch outcome {
		case classifySkip:
			observability.DependencyResolverClassified.WithLabelValues("skipped").Inc()
		case classifyStage:
			toStage = append(toStage, b)
			observability.DependencyResolverClassified.WithLabelValues("staged").Inc()
		case classifyFail:
			toFail = append(toFail, b)
			failMessages[b.UUID] = failMsg
			observability.DependencyResolverClassified.WithLabelValues("failed").Inc()
		}
	}

	committed := false

	if len(toStage) > 0 {
		err := r.store.BatchUpdateBundles(ctx, toStage, store.BundleUpdate{
			State:    bundle.Staged,
			SetState: true,
		}, store.BundleCondition{State: bundle.Created})
		if err != nil {
			if r.cfg.Verbosity >= 1 {
				log.Printf("[RESOLVE] ⚠️ batch CREATED->STAGED lost to a peer (%d bundles), retrying next tick: %v", len(toStage), err)
			}
		} else {
			committed = true
			for _, b := range toStage {
				observability.BundleTransitions.WithLabelValues(string(bundle.Created), string(bundle.Staged)).Inc()
				r.record(b.UUID, "STAGED", nil)
			}
		}
	}

	// Each FAILED bundle carries a distinct failure_message, so it cannot
	// share a single batched update clause with its siblings; commit them
	// individually via the unconditional single-row path is wrong too
	// (peers racing the same CREATED->FAILED transition must still lose
	// cleanly), so each gets its own conditional batch of one.
	for _, b := range toFail {
		meta := b.Metadata
		meta.FailureMessage = failMessages[b.UUID]
		err := r.store.BatchUpdateBundles(ctx, []*bundle.Bundle{b}, store.BundleUpdate{
			State:       bundle.Failed,
			SetState:    true,
			Metadata:    meta,
			SetMetadata: true,
		}, store.BundleCondition{State: bundle.Created})
		if err != nil {
			if r.cfg.Verbosity >= 1 {
				log.Printf("[RESOLVE] ⚠️ CREATED->FAILED lost to a peer for %s, retrying next tick: %v", b.UUID, err)
			}
			continue
		}
		committed = true
		observability.BundleTransitions.WithLabelValues(string(bundle.Created), string(bundle.Failed)).Inc()
		r.record(b.UUID, "FAILED", map[string]string{"failure_message": meta.FailureMessage})
	}

	return committed, nil
}

type classification int

const (
	classifySkip classification = iota
	classifyStage
	classifyFail
)

// classify implements the §4.2 rules for a single bundle against the
// already-resolved parent set.
func classify(b *bundle.Bundle, parentByUUID map[string]*bundle.Bundle) (classification, string) {
	var failedParents []string
	allReady := true

	for uuid := range b.ParentUUIDs() {
		parent, ok := parentByUUID[uuid]
		if !ok {
			// Parent not yet present in the store; it may appear later.
			return classifySkip, ""
		}
		if parent.State == bundle.Failed {
			failedParents = append(failedParents, uuid)
		}
		if parent.State != bundle.Ready {
			allReady = false
		}
	}

	if len(failedParents) > 0 {
		sort.Strings(failedParents)
		return classifyFail, fmt.Sprintf("Parent bundles failed: %s", strings.Join(failedParents, ", "))
	}
	if allReady {
		return classifyStage, ""
	}
	return classifySkip, ""
}

func (r *DependencyResolver) record(uuid, stage string, meta map[string]string) {
	if r.timeline == nil {
		return
	}
	r.timeline.Record(timeline.StageEvent{
		BundleUUID: uuid,
		Stage:      stage,
		WorkerID:   r.cfg.WorkerID,
		Metadata:   meta,
	})
}

package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/itskum47/bundleworker/blobstore"
	"github.com/itskum47/bundleworker/bundle"
	"github.com/itskum47/bundleworker/machine"
	"github.com/itskum47/bundleworker/observability"
	"github.com/itskum47/bundleworker/store"
	"github.com/itskum47/bundleworker/streaming"
	"github.com/itskum47/bundleworker/timeline"
)

// Finalizer implements §4.4: it reaps completed bundles off the Machine,
// materializes their outputs into the blob store, and commits the terminal
// state. The artifact is durably addressable before the bundle ever leaves
// RUNNING in the store (the store update at step 5 of Finalize is the
// single state write, and it always carries the final data_hash alongside
// it).
type Finalizer struct {
	store     store.MetadataStore
	machine   machine.Machine
	blobs     blobstore.BlobStore
	scratch   *ScratchRegistry
	timeline  *timeline.Store
	publisher streaming.Publisher
	cfg       Config
}

// NewFinalizer wires a Finalizer against its collaborators. publisher may
// be nil, in which case transition broadcast is skipped.
func NewFinalizer(s store.MetadataStore, m machine.Machine, blobs blobstore.BlobStore, scratch *ScratchRegistry, tl *timeline.Store, pub streaming.Publisher, cfg Config) *Finalizer {
	return &Finalizer{store: s, machine: m, blobs: blobs, scratch: scratch, timeline: tl, publisher: pub, cfg: cfg}
}

// Reap polls the backend for at most one completed bundle and finalizes it
// if one is ready. It reports true iff a bundle was finalized this tick.
func (f *Finalizer) Reap(ctx context.Context) (bool, error) {
	result, err := f.machine.Poll(ctx)
	if err != nil {
		return false, fmt.Errorf("finalizer: poll: %w", err)
	}
	if result == nil {
		return false, nil
	}

	b, err := f.lookupRunning(ctx, result.BundleUUID)
	if err != nil {
		return false, err
	}
	if err := f.Finalize(ctx, b, result.Success, result.TempDir, true); err != nil {
		return false, err
	}
	return true, nil
}

func (f *Finalizer) lookupRunning(ctx context.Context, uuid string) (*bundle.Bundle, error) {
	found, err := f.store.BatchGetBundles(ctx, bundle.BundleFilter{UUIDs: map[string]struct{}{uuid: {}}})
	if err != nil {
		return nil, fmt.Errorf("finalizer: look up %s: %w", uuid, err)
	}
	if len(found) == 0 {
		return nil, &ErrInvariantViolation{Msg: fmt.Sprintf("finalizer: machine reaped unknown bundle %s", uuid)}
	}
	return found[0], nil
}

// Finalize implements §4.4 finalize(). backendOwned distinguishes a bundle
// the Machine actually accepted and is now reporting completion for (step
// 6 calls Machine.Finalize to release its resources) from one that never
// reached the backend at all — a MakeBundle, or a RunBundle whose launch
// itself raised — which instead has its own fresh temp dir removed
// directly, per the disjoint-poll-trajectory decision in SPEC_FULL §9.
func (f *Finalizer) Finalize(ctx context.Context, b *bundle.Bundle, success bool, tempDir string, backendOwned bool) error {
	tickStart := time.Now()

	rec, ok := f.scratch.Consume(b.UUID)
	if !ok {
		return &ErrInvariantViolation{Msg: fmt.Sprintf("finalize: no scratch record for %s", b.UUID)}
	}

	meta := b.Metadata
	var dataHash *string

	if hash, uploadMeta, err := f.installAndUpload(ctx, b, rec, tempDir); err != nil {
		success = false
		meta = bundle.Metadata{FailureMessage: err.Error()}
	} else {
		dataHash = &hash
		meta.Extra = mergeExtra(meta.Extra, uploadMeta)
	}

	if b.Kind == bundle.RunBundle {
		meta.Time = time.Since(rec.StartTime).Seconds()
		if len(rec.AppliedActions) > 0 {
			meta.Actions = append([]string(nil), rec.AppliedActions...)
		}
	}

	newState := bundle.Failed
	outcome := "failed"
	if success {
		newState = bundle.Ready
		outcome = "ready"
	}

	if err := f.store.UpdateBundle(ctx, b, store.BundleUpdate{
		State:       newState,
		SetState:    true,
		DataHash:    dataHash,
		SetDataHash: true,
		Metadata:    meta,
		SetMetadata: true,
	}); err != nil {
		return fmt.Errorf("finalize: commit terminal state for %s: %w", b.UUID, err)
	}

	observability.BundleTransitions.WithLabelValues(string(bundle.Running), string(newState)).Inc()
	observability.FinalizeOutcomes.WithLabelValues(outcome).Inc()
	observability.FinalizeDuration.Observe(time.Since(tickStart).Seconds())

	if backendOwned {
		if err := f.machine.Finalize(ctx, b.UUID); err != nil {
			log.Printf("[FINALIZE] ⚠️ machine.Finalize(%s) failed, resources may leak backend-side: %v", b.UUID, err)
		}
	} else if tempDir != "" {
		if err := os.RemoveAll(tempDir); err != nil {
			log.Printf("[FINALIZE] ⚠️ removing temp dir %s for %s: %v", tempDir, b.UUID, err)
		}
	}

	f.recordTimeline(b.UUID, string(newState))
	f.publish(b.UUID, string(newState))

	return nil
}

func (f *Finalizer) installAndUpload(ctx context.Context, b *bundle.Bundle, rec *bundle.ScratchRecord, tempDir string) (string, map[string]string, error) {
	if depSrc, ok := f.blobs.(bundle.DependencySource); ok && len(b.Dependencies) > 0 {
		if err := b.InstallDependencies(depSrc, rec.ParentDict, tempDir); err != nil {
			return "", nil, fmt.Errorf("install dependencies: %w", err)
		}
	}
	hash, meta, err := f.blobs.Upload(ctx, tempDir)
	if err != nil {
		return "", nil, fmt.Errorf("upload: %w", err)
	}
	return hash, meta, nil
}

func mergeExtra(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (f *Finalizer) recordTimeline(uuid, stage string) {
	if f.timeline == nil {
		return
	}
	f.timeline.Record(timeline.StageEvent{BundleUUID: uuid, Stage: stage, WorkerID: f.cfg.WorkerID})
}

// publish best-effort broadcasts the transition. Failure is logged and
// metered but never affects finalize's outcome, matching the teacher's
// publishEventAsync policy in reconciler.go.
func (f *Finalizer) publish(uuid, stage string) {
	if f.publisher == nil {
		return
	}
	go func() {
		publishCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		payload := map[string]string{"bundle_uuid": uuid, "state": stage}
		if err := f.publisher.Publish(publishCtx, "bundleworker.bundle.transition", payload); err != nil {
			log.Printf("[FINALIZE] ⚠️ event publish failed (non-critical): %v", err)
			observability.EventPublishFailures.WithLabelValues("bundle.transition").Inc()
		}
	}()
}

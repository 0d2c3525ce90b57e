package worker

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/itskum47/bundleworker/bundle"
	"github.com/itskum47/bundleworker/machine"
	"github.com/itskum47/bundleworker/observability"
	"github.com/itskum47/bundleworker/store"
)

// Launcher implements §4.3: it advances STAGED bundles to RUNNING and
// binds them to the compute backend, rolling the transition back if the
// backend rejects the launch.
type Launcher struct {
	store     store.MetadataStore
	machine   machine.Machine
	scratch   *ScratchRegistry
	finalizer *Finalizer
	limiter   *TokenBucketLimiter
	breaker   *CircuitBreaker
	cfg       Config
}

// NewLauncher wires a Launcher against its collaborators, including the
// Finalizer it calls inline for the MakeBundle and launch-error paths that
// never reach the backend (§9 design note).
func NewLauncher(s store.MetadataStore, m machine.Machine, scratch *ScratchRegistry, finalizer *Finalizer, limiter *TokenBucketLimiter, breaker *CircuitBreaker, cfg Config) *Launcher {
	return &Launcher{store: s, machine: m, scratch: scratch, finalizer: finalizer, limiter: limiter, breaker: breaker, cfg: cfg}
}

// Advance fetches every STAGED bundle and independently attempts to launch
// each. It reports true iff, this tick, the backend accepted at least one
// RunBundle or a RunBundle whose Machine.Start call errored was finalized
// FAILED inline (used as ControlLoop activity; MakeBundle assembly and
// rollbacks don't count).
func (l *Launcher) Advance(ctx context.Context) (bool, error) {
	staged, err := l.store.BatchGetBundles(ctx, bundle.BundleFilter{State: bundle.Staged})
	if err != nil {
		return false, fmt.Errorf("launcher: batch get STAGED: %w", err)
	}

	backendActivity := false
	for _, b := range staged {
		admitted, err := l.tryAdvance(ctx, b)
		if err != nil {
			return backendActivity, err
		}
		if admitted {
			backendActivity = true
		}
	}
	return backendActivity, nil
}

// tryAdvance attempts the full launch protocol for a single bundle.
func (l *Launcher) tryAdvance(ctx context.Context, b *bundle.Bundle) (bool, error) {
	if l.breaker != nil {
		observability.CircuitBreakerState.WithLabelValues(l.cfg.BackendKey).Set(float64(l.breaker.GetState()))
		if !l.breaker.ShouldAdmit() {
			observability.LaunchAttempts.WithLabelValues("circuit_open").Inc()
			return false, nil
		}
	}
	if l.limiter != nil && !l.limiter.Allow(l.cfg.BackendKey) {
		observability.LaunchAttempts.WithLabelValues("throttled").Inc()
		return false, nil
	}

	err := l.store.BatchUpdateBundles(ctx, []*bundle.Bundle{b}, store.BundleUpdate{
		State:    bundle.Running,
		SetState: true,
	}, store.BundleCondition{State: bundle.Staged})
	if err != nil {
		// A peer took it first; nothing to roll back, just move on.
		if l.cfg.Verbosity >= 1 {
			log.Printf("[LAUNCH] ⚠️ STAGED->RUNNING for %s lost to a peer, skipping: %v", b.UUID, err)
		}
		observability.LaunchAttempts.WithLabelValues("lost_race").Inc()
		return false, nil
	}
	observability.BundleTransitions.WithLabelValues(string(bundle.Staged), string(bundle.Running)).Inc()

	running := *b
	running.State = bundle.Running
	started, err := l.start(ctx, &running)
	if err != nil {
		return false, err
	}
	return started, nil
}

// start implements §4.3's start(bundle). Precondition: b.State == RUNNING
// and b.DataHash == nil; violating it is a programmer error in this
// package, not a runtime condition, hence the panic via invariant().
func (l *Launcher) start(ctx context.Context, b *bundle.Bundle) (bool, error) {
	if err := invariant(b.State == bundle.Running, fmt.Sprintf("start called on bundle %s in state %s", b.UUID, b.State)); err != nil {
		panic(err)
	}
	if err := invariant(b.DataHash == nil, fmt.Sprintf("start called on bundle %s with existing data hash", b.UUID)); err != nil {
		panic(err)
	}

	parentDict, err := l.resolveParents(ctx, b)
	if err != nil {
		return false, err
	}
	l.scratch.Begin(b.UUID, parentDict)

	if b.Kind != bundle.RunBundle {
		// MakeBundle: no backend call, assemble immediately.
		tempDir, err := l.allocTempDir(b.UUID)
		if err != nil {
			return l.finalizeLaunchFailure(ctx, b, err)
		}
		if err := l.finalizer.Finalize(ctx, b, true, tempDir, false); err != nil {
			return false, err
		}
		observability.LaunchAttempts.WithLabelValues("started").Inc()
		return false, nil
	}

	result, err := l.machine.Start(ctx, b, parentDict)
	if err != nil {
		if l.breaker != nil {
			l.breaker.RecordFailure()
		}
		observability.LaunchAttempts.WithLabelValues("rejected").Inc()
		return l.finalizeLaunchFailure(ctx, b, err)
	}

	switch result {
	case machine.LaunchAccepted:
		if l.breaker != nil {
			l.breaker.RecordSuccess()
		}
		observability.LaunchAttempts.WithLabelValues("started").Inc()
		return true, nil
	case machine.LaunchRejected:
		if l.breaker != nil {
			l.breaker.RecordFailure()
		}
		observability.LaunchAttempts.WithLabelValues("rejected").Inc()
		return l.rollback(ctx, b)
	default:
		return false, fmt.Errorf("launcher: unknown launch result %v for %s", result, b.UUID)
	}
}

// finalizeLaunchFailure implements the backend-launch-error error policy
// of §7: the bundle never lingers in RUNNING as a consequence of a
// recoverable error observed at this worker. It finalizes inline, with a
// fresh temp dir the backend was never told about.
func (l *Launcher) finalizeLaunchFailure(ctx context.Context, b *bundle.Bundle, cause error) (bool, error) {
	b.Metadata.FailureMessage = cause.Error()
	tempDir, err := l.allocTempDir(b.UUID)
	if err != nil {
		// Can't even get a temp dir; still must not leave RUNNING.
		tempDir = ""
	}
	if err := l.finalizer.Finalize(ctx, b, false, tempDir, false); err != nil {
		return false, err
	}
	return true, nil
}

// rollback implements the "launch rejection" transition RUNNING->STAGED.
func (l *Launcher) rollback(ctx context.Context, b *bundle.Bundle) (bool, error) {
	if _, ok := l.scratch.Consume(b.UUID); !ok && l.cfg.Verbosity >= 2 {
		log.Printf("[LAUNCH] rollback for %s found no scratch record (already consumed?)", b.UUID)
	}
	err := l.store.BatchUpdateBundles(ctx, []*bundle.Bundle{b}, store.BundleUpdate{
		State:    bundle.Staged,
		SetState: true,
	}, store.BundleCondition{State: bundle.Running})
	if err != nil {
		return false, fmt.Errorf("launcher: rollback %s to STAGED: %w", b.UUID, err)
	}
	observability.BundleTransitions.WithLabelValues(string(bundle.Running), string(bundle.Staged)).Inc()
	return false, nil
}

func (l *Launcher) resolveParents(ctx context.Context, b *bundle.Bundle) (map[string]*bundle.Bundle, error) {
	uuids := b.ParentUUIDs()
	if len(uuids) == 0 {
		return map[string]*bundle.Bundle{}, nil
	}
	parents, err := l.store.BatchGetBundles(ctx, bundle.BundleFilter{UUIDs: uuids})
	if err != nil {
		return nil, fmt.Errorf("launcher: resolve parents for %s: %w", b.UUID, err)
	}
	out := make(map[string]*bundle.Bundle, len(parents))
	for _, p := range parents {
		out[p.UUID] = p
	}
	return out, nil
}

func (l *Launcher) allocTempDir(uuid string) (string, error) {
	return os.MkdirTemp(l.cfg.TempDirRoot, "bundle-"+uuid+"-")
}

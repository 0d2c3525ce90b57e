package worker_test

import (
	"context"
	"strings"
	"testing"

	"github.com/itskum47/bundleworker/bundle"
	"github.com/itskum47/bundleworker/machine"
	"github.com/itskum47/bundleworker/store"
	"github.com/itskum47/bundleworker/worker"
)

// harness wires one worker's worth of collaborators against an in-process
// MemoryStore and the fakes in fakes_test.go, so scenario tests can drive
// the real DependencyResolver/Launcher/Finalizer/ActionDispatcher logic
// without any filesystem or network dependency beyond scratch temp dirs.
type harness struct {
	t          *testing.T
	store      *store.MemoryStore
	machine    *fakeMachine
	blobs      *fakeBlobStore
	scratch    *worker.ScratchRegistry
	resolver   *worker.DependencyResolver
	launcher   *worker.Launcher
	finalizer  *worker.Finalizer
	dispatcher *worker.ActionDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := worker.DefaultConfig()
	cfg.TempDirRoot = t.TempDir()
	cfg.LaunchRateLimit = 1000
	cfg.LaunchBurst = 1000
	cfg.CircuitFailureThreshold = 0.99
	cfg.CircuitMinSamples = 1000

	s := store.NewMemoryStore()
	fm := newFakeMachine()
	fb := newFakeBlobStore()
	scratch := worker.NewScratchRegistry()
	finalizer := worker.NewFinalizer(s, fm, fb, scratch, nil, nil, cfg)
	limiter := worker.NewTokenBucketLimiter(cfg.LaunchRateLimit, cfg.LaunchBurst)
	breaker := worker.NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitMinSamples)
	launcher := worker.NewLauncher(s, fm, scratch, finalizer, limiter, breaker, cfg)
	resolver := worker.NewDependencyResolver(s, nil, cfg)
	dispatcher := worker.NewActionDispatcher(s, fm, scratch)

	return &harness{
		t: t, store: s, machine: fm, blobs: fb, scratch: scratch,
		resolver: resolver, launcher: launcher, finalizer: finalizer, dispatcher: dispatcher,
	}
}

// tick runs one pass of all four components in §4.1's order and reports
// whether anything happened, mirroring ControlLoop.tick without its sleep
// policy so tests can drive ticks deterministically.
func (h *harness) tick(ctx context.Context) bool {
	h.t.Helper()
	dispatched, err := h.dispatcher.Drain(ctx)
	if err != nil {
		h.t.Fatalf("dispatcher.Drain: %v", err)
	}
	if _, err := h.resolver.Advance(ctx); err != nil {
		h.t.Fatalf("resolver.Advance: %v", err)
	}
	launched, err := h.launcher.Advance(ctx)
	if err != nil {
		h.t.Fatalf("launcher.Advance: %v", err)
	}
	reaped, err := h.finalizer.Reap(ctx)
	if err != nil {
		h.t.Fatalf("finalizer.Reap: %v", err)
	}
	return dispatched || launched || reaped
}

// runTicks drives exactly n ticks. It does NOT stop early on an
// unproductive tick: the DependencyResolver can make real progress
// (CREATED->STAGED, CREATED->FAILED) in a tick that nonetheless reports no
// "activity" per §4.1, so a fixed-count loop is the only way a test can be
// sure a multi-layer chain has had enough chances to fully drain.
func (h *harness) runTicks(ctx context.Context, n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.tick(ctx)
	}
}

func (h *harness) state(uuid string) bundle.State {
	h.t.Helper()
	return h.bundle(uuid).State
}

func (h *harness) bundle(uuid string) *bundle.Bundle {
	h.t.Helper()
	got, err := h.store.BatchGetBundles(context.Background(), bundle.BundleFilter{UUIDs: map[string]struct{}{uuid: {}}})
	if err != nil {
		h.t.Fatalf("BatchGetBundles(%s): %v", uuid, err)
	}
	if len(got) == 0 {
		h.t.Fatalf("bundle %s not found", uuid)
	}
	return got[0]
}

// autoSucceed makes the fake machine, the instant Start is called for any
// bundle, enqueue a successful completion with a fresh temp dir.
func (h *harness) autoSucceed() {
	h.machine.startHook = func(uuid string) (machine.LaunchResult, error) {
		h.machine.complete(uuid, true, h.t.TempDir())
		return machine.LaunchAccepted, nil
	}
}

// S1: a linear chain A <- B <- C all start CREATED; with a backend that
// succeeds instantly, every bundle should reach READY within a handful of
// ticks (one layer of the chain advances per tick).
func TestLinearChainReachesReady(t *testing.T) {
	h := newHarness(t)
	h.autoSucceed()
	ctx := context.Background()

	a := &bundle.Bundle{UUID: "a", Kind: bundle.RunBundle, State: bundle.Created}
	b := &bundle.Bundle{UUID: "b", Kind: bundle.RunBundle, State: bundle.Created,
		Dependencies: []bundle.Dependency{{ParentUUID: "a", ChildPath: "in_a"}}}
	c := &bundle.Bundle{UUID: "c", Kind: bundle.RunBundle, State: bundle.Created,
		Dependencies: []bundle.Dependency{{ParentUUID: "b", ChildPath: "in_b"}}}
	h.store.Put(a)
	h.store.Put(b)
	h.store.Put(c)

	h.runTicks(ctx, 10)

	for _, uuid := range []string{"a", "b", "c"} {
		if got := h.state(uuid); got != bundle.Ready {
			t.Errorf("bundle %s: want READY, got %s", uuid, got)
		}
	}
	for _, uuid := range []string{"a", "b", "c"} {
		if h.bundle(uuid).DataHash == nil {
			t.Errorf("bundle %s: READY bundle should have a non-nil data hash", uuid)
		}
	}
}

// S2: A fails; B (depends on A) and C (depends on B) must both fail, each
// naming its direct failed parent in failure_message.
func TestFailurePropagatesThroughChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.machine.startHook = func(uuid string) (machine.LaunchResult, error) {
		h.machine.complete(uuid, false, h.t.TempDir())
		return machine.LaunchAccepted, nil
	}

	a := &bundle.Bundle{UUID: "a", Kind: bundle.RunBundle, State: bundle.Created}
	b := &bundle.Bundle{UUID: "b", Kind: bundle.RunBundle, State: bundle.Created,
		Dependencies: []bundle.Dependency{{ParentUUID: "a", ChildPath: "in_a"}}}
	c := &bundle.Bundle{UUID: "c", Kind: bundle.RunBundle, State: bundle.Created,
		Dependencies: []bundle.Dependency{{ParentUUID: "b", ChildPath: "in_b"}}}
	h.store.Put(a)
	h.store.Put(b)
	h.store.Put(c)

	h.runTicks(ctx, 10)

	if got := h.state("a"); got != bundle.Failed {
		t.Fatalf("a: want FAILED, got %s", got)
	}
	if got := h.state("b"); got != bundle.Failed {
		t.Fatalf("b: want FAILED, got %s", got)
	}
	if got := h.state("c"); got != bundle.Failed {
		t.Fatalf("c: want FAILED, got %s", got)
	}
	if msg := h.bundle("b").Metadata.FailureMessage; !strings.HasSuffix(msg, ": a") {
		t.Errorf("b.failure_message should name a, got %q", msg)
	}
	if msg := h.bundle("c").Metadata.FailureMessage; !strings.HasSuffix(msg, ": b") {
		t.Errorf("c.failure_message should name b, got %q", msg)
	}
}

// S3: A is RUNNING; a KILL action is queued against it. One dispatcher
// drain should invoke Machine.Kill; once the backend later reports the
// bundle finished (unsuccessfully), A should end FAILED with KILL recorded
// in its actions.
func TestKillInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := &bundle.Bundle{UUID: "a", Kind: bundle.RunBundle, State: bundle.Running}
	h.store.Put(a)
	h.scratch.Begin("a", map[string]*bundle.Bundle{})
	h.machine.killResult["a"] = true

	if err := h.store.AddBundleActions(ctx, []bundle.BundleAction{{BundleUUID: "a", Action: bundle.ActionKill}}); err != nil {
		t.Fatalf("AddBundleActions: %v", err)
	}

	dispatched, err := h.dispatcher.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !dispatched {
		t.Fatal("expected Drain to report activity")
	}
	if n := len(h.machine.killCalls); n != 1 || h.machine.killCalls[0] != "a" {
		t.Fatalf("expected exactly one Kill(a) call, got %v", h.machine.killCalls)
	}

	h.machine.complete("a", false, t.TempDir())
	reaped, err := h.finalizer.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if !reaped {
		t.Fatal("expected Reap to report activity")
	}

	got := h.bundle("a")
	if got.State != bundle.Failed {
		t.Fatalf("a: want FAILED after kill, got %s", got.State)
	}
	found := false
	for _, act := range got.Metadata.Actions {
		if act == string(bundle.ActionKill) {
			found = true
		}
	}
	if !found {
		t.Errorf("a.metadata.actions should contain KILL, got %v", got.Metadata.Actions)
	}
}

// S4: two workers race to launch the same STAGED bundle. Exactly one wins;
// the loser observes no error and performs no rollback.
func TestConditionalUpdateRaceExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	a := &bundle.Bundle{UUID: "a", Kind: bundle.RunBundle, State: bundle.Staged}
	s.Put(a)

	cfg := worker.DefaultConfig()
	cfg.TempDirRoot = t.TempDir()
	cfg.LaunchRateLimit = 1000
	cfg.LaunchBurst = 1000

	newWorker := func() *worker.Launcher {
		fm := newFakeMachine()
		fm.startHook = func(uuid string) (machine.LaunchResult, error) {
			return machine.LaunchAccepted, nil
		}
		scratch := worker.NewScratchRegistry()
		fb := newFakeBlobStore()
		finalizer := worker.NewFinalizer(s, fm, fb, scratch, nil, nil, cfg)
		limiter := worker.NewTokenBucketLimiter(cfg.LaunchRateLimit, cfg.LaunchBurst)
		breaker := worker.NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitMinSamples)
		return worker.NewLauncher(s, fm, scratch, finalizer, limiter, breaker, cfg)
	}

	w1 := newWorker()
	w2 := newWorker()

	started1, err1 := w1.Advance(ctx)
	started2, err2 := w2.Advance(ctx)
	if err1 != nil || err2 != nil {
		t.Fatalf("Advance errored: %v, %v", err1, err2)
	}

	if started1 == started2 {
		t.Fatalf("expected exactly one worker to have started the bundle, got %v and %v", started1, started2)
	}
	got, _ := s.BatchGetBundles(ctx, bundle.BundleFilter{UUIDs: map[string]struct{}{"a": {}}})
	if got[0].State != bundle.Running {
		t.Fatalf("bundle should have ended RUNNING (still being executed by the winner), got %s", got[0].State)
	}
}

// S5: a MakeBundle with one READY parent reaches READY through the
// Launcher without ever calling Machine.Start.
func TestMakeBundleSkipsBackend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent := &bundle.Bundle{UUID: "p", Kind: bundle.RunBundle, State: bundle.Ready}
	hash := "parent-hash"
	parent.DataHash = &hash
	h.store.Put(parent)
	h.blobs.byHash[hash] = t.TempDir()

	m := &bundle.Bundle{UUID: "m", Kind: bundle.MakeBundle, State: bundle.Staged,
		Dependencies: []bundle.Dependency{{ParentUUID: "p", ChildPath: "in_p"}}}
	h.store.Put(m)

	h.runTicks(ctx, 5)

	if got := h.state("m"); got != bundle.Ready {
		t.Fatalf("m: want READY, got %s", got)
	}
	if n := h.machine.startCallCount("m"); n != 0 {
		t.Fatalf("MakeBundle should never call Machine.Start, got %d calls", n)
	}
}

// S6: Machine.Start raises for a RunBundle; it should end the tick FAILED
// with no RUNNING residue, and failure_message equal to the error text.
func TestBackendLaunchErrorEndsFailedNotRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wantErr := "backend exploded"
	h.machine.startHook = func(uuid string) (machine.LaunchResult, error) {
		return machine.LaunchRejected, errString(wantErr)
	}

	r := &bundle.Bundle{UUID: "r", Kind: bundle.RunBundle, State: bundle.Staged}
	h.store.Put(r)

	h.runTicks(ctx, 5)

	got := h.bundle("r")
	if got.State != bundle.Failed {
		t.Fatalf("r: want FAILED, got %s", got.State)
	}
	if got.Metadata.FailureMessage != wantErr {
		t.Fatalf("r.failure_message = %q, want %q", got.Metadata.FailureMessage, wantErr)
	}
	if _, ok := h.scratch.Get("r"); ok {
		t.Fatal("r should have no lingering scratch record")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

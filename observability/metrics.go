// Package observability exposes the worker's Prometheus metrics, following
// the teacher's promauto-registered-global-var convention so every
// collaborator can import this package and bump a counter without passing
// a registry around.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ControlLoopIterations tracks how many ticks the control loop has run,
	// split by whether the tick did anything (productive) or just slept.
	ControlLoopIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundleworker_control_loop_iterations_total",
		Help: "Total number of control loop ticks",
	}, []string{"activity"}) // "productive" or "idle"

	// ControlLoopIterationDuration tracks how long one tick takes end to
	// end (resolve + launch + finalize + dispatch).
	ControlLoopIterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bundleworker_control_loop_iteration_duration_seconds",
		Help:    "Duration of one control loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	// BundleTransitions tracks every bundle state transition this worker
	// has driven, by (from, to) state pair.
	BundleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundleworker_bundle_transitions_total",
		Help: "Total number of bundle state transitions applied",
	}, []string{"from", "to"})

	// DependencyResolverClassified tracks how many CREATED bundles the
	// resolver classified into each outcome on a given tick.
	DependencyResolverClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundleworker_dependency_resolver_classified_total",
		Help: "CREATED bundles classified by the dependency resolver",
	}, []string{"outcome"}) // "staged", "failed", "skipped"

	// LaunchAttempts tracks launch attempts, outcome, and whether the
	// attempt was throttled before it ever reached the backend.
	LaunchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundleworker_launch_attempts_total",
		Help: "Launch attempts by outcome",
	}, []string{"outcome"}) // "started", "rejected", "throttled", "circuit_open", "lost_race"

	// CircuitBreakerState tracks the Launcher's per-backend circuit state.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bundleworker_launch_circuit_state",
		Help: "Launcher circuit breaker state per backend key (0=closed, 1=half_open, 2=open)",
	}, []string{"backend"})

	// FinalizeDuration tracks how long Finalizer.Finalize takes, dominated
	// by the blob upload.
	FinalizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bundleworker_finalize_duration_seconds",
		Help:    "Duration of bundle finalization, including blob upload",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// FinalizeOutcomes tracks finalize outcomes (ready vs failed).
	FinalizeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundleworker_finalize_outcomes_total",
		Help: "Bundle finalization outcomes",
	}, []string{"outcome"}) // "ready", "failed"

	// ActionDispatchOutcomes tracks action dispatch results.
	ActionDispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundleworker_action_dispatch_outcomes_total",
		Help: "Bundle actions dispatched by outcome",
	}, []string{"action", "outcome"}) // outcome: "applied", "requeued"

	// ScratchRegistrySize tracks how many bundles are currently tracked as
	// RUNNING on this worker process.
	ScratchRegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bundleworker_scratch_registry_size",
		Help: "Number of bundles currently tracked as RUNNING on this worker",
	})

	// StoreOperationLatency tracks MetadataStore round-trip latency.
	StoreOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bundleworker_store_operation_latency_seconds",
		Help:    "MetadataStore operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation"})

	// EventPublishFailures tracks failed best-effort event publish
	// attempts; publishing is never allowed to block bundle progress.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundleworker_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"event_type"})
)

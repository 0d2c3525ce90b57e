package worker

import "time"

// Config holds the worker's runtime tuning knobs, loaded once at process
// start (see cmd/worker/main.go) into env-driven defaults the same way the
// teacher's control_plane/main.go builds its own Config.
type Config struct {
	// WorkerID identifies this process in logs and the audit timeline.
	WorkerID string

	// SleepInterval is how long the ControlLoop sleeps after an
	// unproductive tick (§4.1).
	SleepInterval time.Duration

	// Verbosity gates otherwise-noisy diagnostic logging (§12.1):
	// 0 = errors only, 1 = conditional-update misses, 2 = also a rollback
	// that finds no scratch record. No per-action tracing is logged at any
	// level.
	Verbosity int

	// BackendKey is the rate-limiter/circuit-breaker key the Launcher
	// gates admission on (§12.2). A deployment with a single compute
	// backend uses one constant key; a multi-backend deployment would key
	// per backend identifier instead.
	BackendKey string

	// LaunchRateLimit and LaunchBurst configure the Launcher's token
	// bucket (golang.org/x/time/rate semantics: LaunchRateLimit tokens/sec,
	// burst up to LaunchBurst).
	LaunchRateLimit float64
	LaunchBurst     int

	// CircuitFailureThreshold and CircuitMinSamples configure the
	// Launcher's circuit breaker (worker.CircuitBreaker).
	CircuitFailureThreshold float64
	CircuitMinSamples       int

	// TempDirRoot is where the Launcher allocates scratch directories for
	// bundles that finalize without ever reaching the backend: MakeBundle
	// assembly, and RunBundle launch errors.
	TempDirRoot string
}

// DefaultConfig returns sane defaults for a single-backend deployment.
func DefaultConfig() Config {
	return Config{
		WorkerID:                "worker",
		SleepInterval:           2 * time.Second,
		Verbosity:               1,
		BackendKey:              "default",
		LaunchRateLimit:         10,
		LaunchBurst:             20,
		CircuitFailureThreshold: 0.5,
		CircuitMinSamples:       5,
		TempDirRoot:             "",
	}
}

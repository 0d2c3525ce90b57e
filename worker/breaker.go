package worker

import (
	"sync"
	"time"
)

// CircuitState represents the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Rejecting new launch attempts
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards Launcher.start against repeatedly hammering a
// compute backend that is currently failing every launch attempt: once a
// backend's recent failure rate crosses failureThreshold, the breaker opens
// and the Launcher skips the conditional STAGED->RUNNING attempt entirely
// for bundles routed to that backend, leaving them STAGED for a later tick
// to retry.
type CircuitBreaker struct {
	state CircuitState
	mu    sync.RWMutex

	failureThreshold float64       // fraction of recent attempts that may fail before opening
	minSamples       int           // attempts required before the failure rate is trusted
	cooldownPeriod   time.Duration // time before a half-open retry

	openedAt     time.Time
	recentTotal  int
	recentFailed int
	testCount    int
	testLimit    int
}

// NewCircuitBreaker creates a breaker that opens once at least minSamples
// launch attempts have been recorded and more than failureThreshold of them
// have failed. The counts are cumulative until the breaker recovers from
// half-open to closed; they are not a sliding window.
func NewCircuitBreaker(failureThreshold float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		minSamples:       minSamples,
		cooldownPeriod:   30 * time.Second,
		testLimit:        5,
	}
}

// ShouldAdmit reports whether the Launcher should attempt to launch against
// this backend right now.
func (cb *CircuitBreaker) ShouldAdmit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		return false
	}

	return cb.state == CircuitClosed
}

// RecordSuccess reports a successful launch attempt against this backend.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.recentTotal++
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
		cb.recentTotal, cb.recentFailed = 0, 0
	}
}

// RecordFailure reports a failed launch attempt against this backend. Once
// enough samples have accumulated and the failure rate exceeds
// failureThreshold, the circuit opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.recentTotal++
	cb.recentFailed++

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
		return
	}

	if cb.recentTotal >= cb.minSamples && float64(cb.recentFailed)/float64(cb.recentTotal) > cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// GetState returns the current circuit state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

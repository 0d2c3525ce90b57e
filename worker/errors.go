package worker

import "fmt"

// ErrInvariantViolation marks a condition the worker's own contract
// guarantees can never happen in correct operation: a missing ScratchRecord
// on finalize, start() called on a bundle that isn't RUNNING, and so on.
// Runtime violations (a missing ScratchRecord, an unknown reaped bundle) are
// returned so the ControlLoop can log it and halt cleanly instead of
// crashing mid-tick; Launcher.start alone panics with it, for its own
// RUNNING/no-data-hash precondition.
type ErrInvariantViolation struct {
	Msg string
}

func (e *ErrInvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Msg)
}

// invariant returns an *ErrInvariantViolation if cond is false, nil
// otherwise, the same assertion the teacher's Python expresses with
// precondition(). The caller decides what to do with the error:
// Launcher.start panics with it.
func invariant(cond bool, msg string) error {
	if cond {
		return nil
	}
	return &ErrInvariantViolation{Msg: msg}
}

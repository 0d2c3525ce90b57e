// Package machine defines the Compute Backend collaborator: the thing that
// actually runs a bundle's work and reports back when it finishes. The
// worker core never inspects how a backend executes a bundle — it only
// calls Start, polls for completions, and calls Kill/Finalize.
package machine

import (
	"context"

	"github.com/itskum47/bundleworker/bundle"
)

// LaunchResult reports how a backend responded to a Start call. Go has no
// exception to carry "the backend rejected this launch" separately from
// "the launch call itself failed" (a network error, say), so Start returns
// both a result and an error: a non-nil error means the caller doesn't even
// know whether the backend accepted the bundle, while LaunchRejected means
// the backend definitely said no (full, unhealthy, or duplicate).
type LaunchResult int

const (
	// LaunchAccepted means the backend has taken ownership of the bundle
	// and will eventually surface it from Poll.
	LaunchAccepted LaunchResult = iota
	// LaunchRejected means the backend declined the bundle outright; the
	// Launcher must roll the bundle's state back to STAGED.
	LaunchRejected
)

// PollResult is one completed (or failed) bundle surfaced by a backend.
// TempDir is a path the caller's BlobStore can read from directly; backends
// that run remotely are expected to publish it on a filesystem the worker
// process can also reach (the reference HTTPMachine assumes a shared mount,
// matching the out-of-scope status compute backend wire details have in
// the specification).
type PollResult struct {
	BundleUUID string
	Success    bool
	TempDir    string
}

// Machine is the Compute Backend collaborator described in the
// specification's glossary. Implementations are free to run bundles
// however they like; the worker core only depends on this interface.
type Machine interface {
	// Start asks the backend to begin executing b, given the already
	// resolved bundle objects for each of its dependencies. It must not
	// block until completion.
	Start(ctx context.Context, b *bundle.Bundle, parentDict map[string]*bundle.Bundle) (LaunchResult, error)

	// Poll returns the next completed bundle, if any, without blocking.
	// A nil result and nil error together mean nothing is ready yet.
	Poll(ctx context.Context) (*PollResult, error)

	// Kill requests cancellation of a running bundle's execution. It
	// reports whether the backend recognized the uuid as running.
	Kill(ctx context.Context, uuid string) (bool, error)

	// Finalize tells the backend it may release any resources it was
	// holding for uuid (temp directories, process handles). Called after
	// the worker has durably recorded the bundle's terminal state.
	Finalize(ctx context.Context, uuid string) error
}

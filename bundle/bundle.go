// Package bundle defines the data model shared by every component of the
// worker: the unit of work (Bundle), the operator command queue
// (BundleAction), and the legal state transitions between them.
package bundle

import "time"

// State is the lifecycle position of a Bundle.
type State string

const (
	Created State = "CREATED"
	Staged  State = "STAGED"
	Running State = "RUNNING"
	Ready   State = "READY"
	Failed  State = "FAILED"
)

// Kind distinguishes bundles that require backend execution from bundles
// that merely assemble already-produced dependencies.
type Kind string

const (
	RunBundle  Kind = "run"
	MakeBundle Kind = "make"
)

// Dependency names a parent bundle this bundle's output directory should
// reference, and where the parent's contents should be linked to.
type Dependency struct {
	ParentUUID string `json:"parent_uuid"`
	ParentPath string `json:"parent_path"`
	ChildPath  string `json:"child_path"`
}

// Metadata is the open per-bundle annotation bag. Known fields are surfaced
// as struct fields for type safety; Extra carries forward-compatible,
// caller-defined keys the core never interprets.
type Metadata struct {
	FailureMessage string            `json:"failure_message,omitempty"`
	Time           float64           `json:"time,omitempty"` // seconds, RunBundle wall-clock
	Actions        []string          `json:"actions,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// IsEmpty reports whether the metadata carries no information worth
// persisting, so callers can omit an update clause entirely.
func (m Metadata) IsEmpty() bool {
	return m.FailureMessage == "" && m.Time == 0 && len(m.Actions) == 0 && len(m.Extra) == 0
}

// Bundle is the unit of work driven through the state machine in §3 of the
// specification this worker implements.
type Bundle struct {
	UUID         string
	Kind         Kind
	State        State
	DataHash     *string
	Dependencies []Dependency
	Metadata     Metadata
}

// ParentUUIDs returns the distinct set of parent uuids this bundle depends on.
func (b *Bundle) ParentUUIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(b.Dependencies))
	for _, d := range b.Dependencies {
		out[d.ParentUUID] = struct{}{}
	}
	return out
}

// Action identifies an operator-issued command queued against a bundle.
type Action string

const (
	ActionKill Action = "KILL"
)

// BundleAction is a single queued command. It is consumed at-most-once by
// whichever worker successfully acts on it.
type BundleAction struct {
	BundleUUID string
	Action     Action
}

// BundleFilter selects bundles for a batch read. A nil/empty UUIDs set means
// "don't filter by identity"; an empty State means "don't filter by state".
type BundleFilter struct {
	UUIDs map[string]struct{}
	State State
}

// legalTransitions enumerates every (pre, post) edge the state machine
// permits. Anything not in this set is an invariant violation.
var legalTransitions = map[State]map[State]bool{
	Created: {Staged: true, Failed: true},
	Staged:  {Running: true, Failed: true},
	Running: {Ready: true, Failed: true, Staged: true}, // Staged: launch-rejection rollback
}

// IsLegalTransition reports whether post is a permitted successor of pre.
func IsLegalTransition(pre, post State) bool {
	return legalTransitions[pre][post]
}

// ScratchRecord is the worker-local, transient context tracked for a bundle
// while it is RUNNING on this worker. It is never persisted to the store.
type ScratchRecord struct {
	ParentDict     map[string]*Bundle
	StartTime      time.Time
	AppliedActions []string
}

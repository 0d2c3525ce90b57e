package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/itskum47/bundleworker/bundle"
	"github.com/itskum47/bundleworker/machine"
	"github.com/itskum47/bundleworker/observability"
	"github.com/itskum47/bundleworker/store"
)

// ActionDispatcher implements §4.5: it atomically pops every queued
// BundleAction and, for KILL, asks the Machine to terminate the bundle.
// Consumed actions are recorded against the bundle's ScratchRecord;
// anything the dispatcher can't act on (bundle not running here, or an
// action it doesn't recognize) is re-queued as a single batch so the
// work-stealing pool semantics of the queue are preserved.
type ActionDispatcher struct {
	store   store.MetadataStore
	machine machine.Machine
	scratch *ScratchRegistry
}

// NewActionDispatcher wires an ActionDispatcher against its collaborators.
func NewActionDispatcher(s store.MetadataStore, m machine.Machine, scratch *ScratchRegistry) *ActionDispatcher {
	return &ActionDispatcher{store: s, machine: m, scratch: scratch}
}

// Drain pops the queued actions and dispatches each. It returns true iff at
// least one action was consumed (used as ControlLoop activity).
func (d *ActionDispatcher) Drain(ctx context.Context) (bool, error) {
	actions, err := d.store.PopBundleActions(ctx)
	if err != nil {
		return false, fmt.Errorf("action dispatcher: pop actions: %w", err)
	}
	if len(actions) == 0 {
		return false, nil
	}

	var requeue []bundle.BundleAction
	consumed := 0

	for _, a := range actions {
		switch a.Action {
		case bundle.ActionKill:
			ok, err := d.machine.Kill(ctx, a.BundleUUID)
			if err != nil {
				log.Printf("[DISPATCH] ⚠️ kill(%s) errored, re-queueing: %v", a.BundleUUID, err)
				requeue = append(requeue, a)
				observability.ActionDispatchOutcomes.WithLabelValues(string(a.Action), "requeued").Inc()
				continue
			}
			if !ok {
				requeue = append(requeue, a)
				observability.ActionDispatchOutcomes.WithLabelValues(string(a.Action), "requeued").Inc()
				continue
			}
			d.scratch.RecordAction(a.BundleUUID, a.Action)
			consumed++
			observability.ActionDispatchOutcomes.WithLabelValues(string(a.Action), "applied").Inc()
		default:
			// Unrecognized action: re-queue, forward-compatible with a
			// future action kind this build doesn't know about yet.
			requeue = append(requeue, a)
			observability.ActionDispatchOutcomes.WithLabelValues(string(a.Action), "requeued").Inc()
		}
	}

	if len(requeue) > 0 {
		if err := d.store.AddBundleActions(ctx, requeue); err != nil {
			return consumed > 0, fmt.Errorf("action dispatcher: re-queue %d actions: %w", len(requeue), err)
		}
	}

	return consumed > 0, nil
}

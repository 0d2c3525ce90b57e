package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/itskum47/bundleworker/observability"
)

// ControlLoop implements §4.1: the fixed-interval tick driver that
// sequences the four reconciliation passes every tick, advancing
// immediately on productive ticks and sleeping otherwise.
type ControlLoop struct {
	dispatcher *ActionDispatcher
	resolver   *DependencyResolver
	launcher   *Launcher
	finalizer  *Finalizer
	cfg        Config

	// running is cleared by Stop, checked at each sleep boundary, the same
	// cooperative-shutdown shape the spec's §5 "Cancellation" section
	// recommends over an inherent cancellation token.
	running chan struct{}
}

// NewControlLoop assembles a ControlLoop from its four components.
func NewControlLoop(dispatcher *ActionDispatcher, resolver *DependencyResolver, launcher *Launcher, finalizer *Finalizer, cfg Config) *ControlLoop {
	return &ControlLoop{
		dispatcher: dispatcher,
		resolver:   resolver,
		launcher:   launcher,
		finalizer:  finalizer,
		cfg:        cfg,
		running:    make(chan struct{}),
	}
}

// Stop asks Run to exit at the next sleep boundary. Safe to call once.
func (c *ControlLoop) Stop() {
	select {
	case <-c.running:
		// already stopped
	default:
		close(c.running)
	}
}

// Run drives the loop: iterations == 0 runs forever (until ctx is
// cancelled or Stop is called); iterations > 0 runs until that many
// PRODUCTIVE ticks have executed. A returned error means a component
// surfaced a fatal invariant violation (§7); the loop does not attempt to
// continue past it.
func (c *ControlLoop) Run(ctx context.Context, iterations int, sleepInterval time.Duration) error {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.running:
			return nil
		default:
		}

		productive, err := c.tick(ctx)
		if err != nil {
			var inv *ErrInvariantViolation
			if errors.As(err, &inv) {
				log.Printf("[WORKER] ❌ fatal invariant violation, halting: %v", err)
			} else {
				log.Printf("[WORKER] ❌ tick failed, halting: %v", err)
			}
			return err
		}

		if productive {
			observability.ControlLoopIterations.WithLabelValues("productive").Inc()
			count++
			if iterations > 0 && count >= iterations {
				return nil
			}
			continue
		}

		observability.ControlLoopIterations.WithLabelValues("idle").Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.running:
			return nil
		case <-time.After(sleepInterval):
		}
	}
}

// tick runs the four passes in the order §4.1 and §5 require: kill-dispatch,
// then dependency propagation, then launching, then reaping. DependencyResolver
// progress never counts toward activity (§4.1 rationale: it may fire every
// tick while nothing is actually executing).
func (c *ControlLoop) tick(ctx context.Context) (bool, error) {
	start := time.Now()
	defer func() {
		observability.ControlLoopIterationDuration.Observe(time.Since(start).Seconds())
	}()

	dispatched, err := c.dispatcher.Drain(ctx)
	if err != nil {
		return false, err
	}

	if _, err := c.resolver.Advance(ctx); err != nil {
		return false, err
	}

	launched, err := c.launcher.Advance(ctx)
	if err != nil {
		return false, err
	}

	reaped, err := c.finalizer.Reap(ctx)
	if err != nil {
		return false, err
	}

	return dispatched || launched || reaped, nil
}

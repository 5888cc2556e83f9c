package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/melih/envoy-npm/internal/core/domain"
)

// EventGone is the stop kind recorded when a sync pass finds an enabled entry
// whose container is no longer running.
const EventGone domain.EventKind = "gone"

// ErrEventsClosed is returned by Run when the event stream ends unexpectedly.
var ErrEventsClosed = errors.New("container event stream closed")

// Sync reloads the registry and reconciles it against the running containers.
// It is used at startup and periodically to repair drift from missed events.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load proxy hosts: %w", err)
	}
	return e.reconcile(ctx)
}

func (e *Engine) reconcile(ctx context.Context) error {
	log := e.log.WithField("pass", uuid.NewString())
	start := e.now()

	containers, err := e.runtime.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot containers: %w", err)
	}
	log.WithField("containers", len(containers)).Info("Reconciling running containers")

	running := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		running[c.ID] = struct{}{}
	}

	var failed int
	for _, c := range containers {
		if err := e.handleStart(ctx, c, running); err != nil {
			failed++
		}
	}

	// Entries still enabled for containers that are gone missed their stop
	// event while we weren't watching.
	for _, entry := range e.registry.Snapshot() {
		if !entry.Owned() || !entry.Enabled || entry.Meta.ContainerID == "" {
			continue
		}
		if _, ok := running[entry.Meta.ContainerID]; ok {
			continue
		}
		if err := e.HandleStop(ctx, entry.Meta.ContainerID, "", EventGone); err != nil {
			failed++
		}
	}

	log.WithFields(logrus.Fields{
		"failed":   failed,
		"duration": e.now().Sub(start).Round(time.Millisecond),
	}).Info("Reconciliation pass complete")
	return nil
}

// Run loads the registry, reconciles the running containers and then applies
// events one at a time until ctx is cancelled. Periodic syncs run in the same
// loop so nothing writes the registry concurrently. Events that arrive during
// the initial pass wait in the channel.
//
// Failing to load the registry at startup is fatal: without it, entries we
// don't own could not be told apart from missing ones.
func (e *Engine) Run(ctx context.Context, events <-chan domain.LifecycleEvent) error {
	work, cancel := withGrace(ctx, e.shutdownGrace)
	defer cancel()

	if err := e.Refresh(work); err != nil {
		return fmt.Errorf("failed to load proxy hosts: %w", err)
	}
	if err := e.reconcile(work); err != nil {
		e.log.WithError(err).Error("Startup reconciliation failed")
	}

	var tick <-chan time.Time
	if e.syncInterval > 0 {
		t := time.NewTicker(e.syncInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Stopping reconciler")
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrEventsClosed
			}
			// Failures are logged by the handlers; the next event or sync
			// starts again from the registry.
			_ = e.Handle(work, ev)
		case <-tick:
			if err := e.Sync(work); err != nil {
				e.log.WithError(err).Error("Periodic sync failed")
			}
		}
	}
}

// withGrace returns a context that outlives parent by grace, so calls in
// flight at shutdown can finish.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-parent.Done():
		case <-ctx.Done():
			return
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, cancel
}

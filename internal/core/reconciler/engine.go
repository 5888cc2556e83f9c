// Package reconciler keeps the proxy backend in line with the containers
// running on the host.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/melih/envoy-npm/internal/core/domain"
	"github.com/melih/envoy-npm/internal/core/ports"
	"github.com/melih/envoy-npm/internal/core/registry"
	"github.com/melih/envoy-npm/internal/metrics"
)

// Options configures an Engine.
type Options struct {
	Policy Policy
	// SyncInterval between full reconciliation passes. Zero disables them.
	SyncInterval time.Duration
	// ShutdownGrace bounds how long in-flight backend calls may run once the
	// engine is asked to stop.
	ShutdownGrace time.Duration

	Logger  *logrus.Entry
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine applies lifecycle events to the backend. It is the only writer of
// its registry; all of its methods must be called from one goroutine.
type Engine struct {
	backend  ports.ProxyBackend
	runtime  ports.RuntimeSource
	registry *registry.Registry

	policy        Policy
	syncInterval  time.Duration
	shutdownGrace time.Duration
	log           *logrus.Entry
	metrics       *metrics.Metrics
	now           func() time.Time
}

// New creates an engine bound to the given backend, runtime and registry.
func New(backend ports.ProxyBackend, runtime ports.RuntimeSource, reg *registry.Registry, opts Options) *Engine {
	e := &Engine{
		backend:       backend,
		runtime:       runtime,
		registry:      reg,
		policy:        opts.Policy,
		syncInterval:  opts.SyncInterval,
		shutdownGrace: opts.ShutdownGrace,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}
	if e.log == nil {
		e.log = logrus.NewEntry(logrus.StandardLogger())
	}
	e.log = e.log.WithField("component", "reconciler")
	if e.now == nil {
		e.now = time.Now
	}
	if e.shutdownGrace <= 0 {
		e.shutdownGrace = 10 * time.Second
	}
	return e
}

// Refresh reloads the registry from the backend. On failure the registry
// keeps its previous contents.
func (e *Engine) Refresh(ctx context.Context) error {
	entries, err := e.backend.ListEntries(ctx)
	if err != nil {
		return err
	}
	e.registry.Replace(entries)

	owned := 0
	for _, entry := range entries {
		if entry.Owned() {
			owned++
		}
	}
	e.log.WithFields(logrus.Fields{"hosts": len(entries), "managed": owned}).Info("Loaded proxy hosts")
	return nil
}

// Handle processes one lifecycle event.
func (e *Engine) Handle(ctx context.Context, ev domain.LifecycleEvent) error {
	log := e.log.WithFields(logrus.Fields{"container": shortID(ev.ContainerID), "event": ev.Kind})
	log.Debug("Container event received")

	switch ev.Kind {
	case domain.EventStart:
		c, err := e.runtime.Inspect(ctx, ev.ContainerID)
		if errors.Is(err, domain.ErrContainerNotFound) {
			// Gone again already; its stop/die event follows.
			log.Debug("Container vanished before inspection")
			return nil
		}
		if err != nil {
			log.WithError(err).Error("Failed to inspect started container")
			return err
		}
		return e.HandleStart(ctx, c)

	case domain.EventStop, domain.EventDie:
		return e.HandleStop(ctx, ev.ContainerID, ev.Name, ev.Kind)
	}

	log.Debug("Ignoring event")
	return nil
}

// HandleStart runs the start decision for a running container.
func (e *Engine) HandleStart(ctx context.Context, c domain.Container) error {
	return e.handleStart(ctx, c, nil)
}

// handleStart is HandleStart for a sync pass when running is non-nil: a
// domain bound to another container in running keeps its binding.
func (e *Engine) handleStart(ctx context.Context, c domain.Container, running map[string]struct{}) error {
	log := e.log.WithFields(logrus.Fields{"container": c.ShortID(), "name": c.Name})

	d, err := domain.Describe(c)
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotDeclared):
		log.Debug("Container declares no proxy host")
		return nil
	case errors.As(err, &verr):
		log.WithFields(logrus.Fields{"reason": verr.Reason, "key": verr.Key}).Warn(verr.Error())
		return nil
	case errors.Is(err, domain.ErrNoAddress):
		log.WithField("network", c.Attributes[domain.AttrNetwork]).Error("No network address found for container")
		return nil
	case err != nil:
		return err
	}

	dec := DecideStart(e.registry, c, d, e.now(), e.policy)
	if running != nil {
		dec = KeepRunningOwner(dec, running)
	}
	return e.Apply(ctx, dec)
}

// HandleStop disables every entry bound to a terminated container.
func (e *Engine) HandleStop(ctx context.Context, containerID, name string, kind domain.EventKind) error {
	decisions := DecideStop(e.registry, containerID, name, kind, e.now())
	if len(decisions) == 0 {
		e.log.WithFields(logrus.Fields{"container": shortID(containerID), "event": kind}).Debug("No proxy host bound to container")
		return nil
	}

	var errs []error
	for _, dec := range decisions {
		if err := e.Apply(ctx, dec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply executes a decision against the backend and records the result in
// the registry. A failed call leaves the registry as it was.
func (e *Engine) Apply(ctx context.Context, dec Decision) error {
	log := e.log.WithFields(logrus.Fields{
		"domain":    dec.Domain,
		"container": shortID(dec.ContainerID),
		"name":      dec.ContainerName,
		"state":     dec.State,
		"action":    dec.Action,
	})

	var (
		entry domain.ProxyEntry
		err   error
	)
	switch dec.Action {
	case ActionSkip:
		e.metrics.Decision(dec.Action.String(), "ok")
		switch dec.Reason {
		case ReasonForeign:
			log.Warnf("Proxy host for %s already exists and is not managed by %s; delete it in NPM to let %s take over",
				dec.Domain, domain.ManagedBy, domain.ManagedBy)
		case ReasonReuseDisabled:
			log.WithField("owner", shortID(dec.Current.Meta.ContainerID)).Warn("Domain is bound to another container, not taking it over")
		case ReasonOwnerRunning:
			log.WithField("owner", shortID(dec.Current.Meta.ContainerID)).Warn("Domain is claimed by more than one running container, keeping the current binding")
		default:
			log.WithField("reason", dec.Reason).Debug("Nothing to do")
		}
		return nil

	case ActionCreate:
		entry, err = e.backend.CreateEntry(ctx, dec.Descriptor, dec.Meta, dec.Comment)

	case ActionUpdate:
		if dec.State == StateManagedOther {
			log.WithField("previous", shortID(dec.Current.Meta.ContainerID)).Info("Domain reused by a new container, rebinding proxy host")
		}
		entry, err = e.backend.UpdateEntry(ctx, dec.Current.ID, dec.Desired)

	case ActionDisable:
		entry, err = e.backend.SetEnabled(ctx, dec.Current.ID, false, dec.Comment)
	}

	if err != nil {
		e.metrics.Decision(dec.Action.String(), "failed")
		log.WithError(err).Error("Failed to apply proxy host change")
		return err
	}

	e.registry.Put(mergeResult(entry, dec))
	e.metrics.Decision(dec.Action.String(), "ok")
	log.WithField("id", entry.ID).Info("Proxy host reconciled")
	return nil
}

// mergeResult fills gaps in a backend response with what we asked for, so a
// terse response doesn't strip the registry entry of its ownership data.
func mergeResult(got domain.ProxyEntry, dec Decision) domain.ProxyEntry {
	if dec.Action == ActionCreate {
		if got.Meta.ManagedBy == "" {
			got.Meta = dec.Meta
		}
		if len(got.DomainNames) == 0 {
			got.DomainNames = []string{dec.Domain}
		}
		return got
	}
	if got.ID == 0 {
		got.ID = dec.Current.ID
	}
	if len(got.DomainNames) == 0 {
		got.DomainNames = dec.Desired.DomainNames
	}
	if got.Meta.ManagedBy == "" {
		got.Meta = dec.Desired.Meta
	}
	return got
}

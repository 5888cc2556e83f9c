package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/melih/envoy-npm/internal/core/domain"
	"github.com/melih/envoy-npm/internal/core/ports"
	"github.com/melih/envoy-npm/internal/metrics"
)

const (
	eventBuffer         = 64
	reconnectBaseDelay  = time.Second
	reconnectMaxDelay   = 30 * time.Second
	subscribeSettle     = 2 * time.Second
	containerEventStart = "start"
	containerEventStop  = "stop"
	containerEventDie   = "die"
)

// Adapter implements ports.RuntimeSource using Docker SDK
type Adapter struct {
	cli       *client.Client
	log       *logrus.Entry
	metrics   *metrics.Metrics
	connected atomic.Bool

	baseDelay time.Duration
	maxDelay  time.Duration
	// settle is how long a subscription must stay up without an error
	// before it counts as connected when no event arrives first.
	settle time.Duration
}

var (
	_ ports.RuntimeSource   = (*Adapter)(nil)
	_ ports.ConnectionState = (*Adapter)(nil)
)

// NewAdapter creates a new Docker adapter instance. An empty host uses the
// DOCKER_HOST environment; a bare socket path gets the unix:// prefix.
func NewAdapter(host string, log *logrus.Entry, m *metrics.Metrics) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		if !strings.Contains(host, "://") {
			host = "unix://" + host
		}
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newAdapter(cli, log, m), nil
}

func newAdapter(cli *client.Client, log *logrus.Entry, m *metrics.Metrics) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		cli:       cli,
		log:       log.WithField("component", "docker"),
		metrics:   m,
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
		settle:    subscribeSettle,
	}
}

// Close releases the underlying client.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

// Connected reports whether the event stream is currently subscribed.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// Snapshot returns every running container with details
func (a *Adapter) Snapshot(ctx context.Context) ([]domain.Container, error) {
	list, err := a.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("status", "running")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]domain.Container, 0, len(list))
	for _, c := range list {
		// The container may have exited between list and inspect.
		info, err := a.Inspect(ctx, c.ID)
		if errors.Is(err, domain.ErrContainerNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	a.log.Debugf("Found %d running containers", len(result))
	return result, nil
}

// Inspect returns the declared attributes and network addresses of a container.
func (a *Adapter) Inspect(ctx context.Context, id string) (domain.Container, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return domain.Container{}, domain.ErrContainerNotFound
		}
		return domain.Container{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	c := toContainer(info)
	a.log.WithFields(logrus.Fields{
		"container": c.ShortID(),
		"name":      c.Name,
		"networks":  networkNames(c),
	}).Debug("Inspected container")
	return c, nil
}

// Events subscribes to container start/stop/die events. The daemon is pinged
// first so an unreachable runtime fails at startup rather than in the
// background. Afterwards the stream reconnects on its own until ctx ends.
func (a *Adapter) Events(ctx context.Context) (<-chan domain.LifecycleEvent, error) {
	if _, err := a.cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach docker daemon: %w", err)
	}

	out := make(chan domain.LifecycleEvent, eventBuffer)
	go a.watch(ctx, out)
	return out, nil
}

func (a *Adapter) watch(ctx context.Context, out chan<- domain.LifecycleEvent) {
	defer close(out)
	defer a.setConnected(false)

	var since time.Time
	delay := a.baseDelay
	for {
		resume, subscribed, err := a.stream(ctx, since, out)
		if resume.After(since) {
			since = resume
		}
		if subscribed {
			delay = a.baseDelay
		}
		if ctx.Err() != nil {
			return
		}

		a.setConnected(false)
		a.log.WithError(err).Warnf("Event stream lost, reconnecting in %v", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay, a.maxDelay)
	}
}

// stream forwards events until the subscription fails. The subscription
// counts as established on its first event or once it has stayed up for the
// settle period. It returns the point a reconnect should resume from: the
// last forwarded event, or the time the subscription was opened if it was
// established but saw no events.
func (a *Adapter) stream(ctx context.Context, since time.Time, out chan<- domain.LifecycleEvent) (time.Time, bool, error) {
	opts := types.EventsOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", "container"),
			filters.Arg("event", containerEventStart),
			filters.Arg("event", containerEventStop),
			filters.Arg("event", containerEventDie),
		),
	}
	if !since.IsZero() {
		opts.Since = strconv.FormatInt(since.Unix(), 10)
	}

	a.log.Debug("Subscribing to container events")
	opened := time.Now()
	msgs, errs := a.cli.Events(ctx, opts)

	resume := since
	subscribed := false
	established := func() {
		if subscribed {
			return
		}
		subscribed = true
		if resume.IsZero() {
			resume = opened
		}
		a.setConnected(true)
		a.log.Info("Subscribed to container events")
	}

	settle := time.NewTimer(a.settle)
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return resume, subscribed, ctx.Err()
		case err := <-errs:
			return resume, subscribed, err
		case <-settle.C:
			established()
		case msg := <-msgs:
			established()
			ev, ok := toEvent(msg)
			if !ok {
				continue
			}
			select {
			case out <- ev:
				resume = ev.Time
			case <-ctx.Done():
				return resume, subscribed, ctx.Err()
			}
		}
	}
}

func nextDelay(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}

func (a *Adapter) setConnected(v bool) {
	a.connected.Store(v)
	a.metrics.SetConnected(v)
}

func toEvent(msg events.Message) (domain.LifecycleEvent, bool) {
	if msg.Type != "" && msg.Type != events.ContainerEventType {
		return domain.LifecycleEvent{}, false
	}
	var kind domain.EventKind
	switch string(msg.Action) {
	case containerEventStart:
		kind = domain.EventStart
	case containerEventStop:
		kind = domain.EventStop
	case containerEventDie:
		kind = domain.EventDie
	default:
		return domain.LifecycleEvent{}, false
	}
	if msg.Actor.ID == "" {
		return domain.LifecycleEvent{}, false
	}

	t := time.Unix(msg.Time, 0)
	if msg.TimeNano != 0 {
		t = time.Unix(0, msg.TimeNano)
	}
	return domain.LifecycleEvent{
		Kind:        kind,
		ContainerID: msg.Actor.ID,
		Name:        msg.Actor.Attributes["name"],
		Time:        t,
	}, true
}

func toContainer(info types.ContainerJSON) domain.Container {
	c := domain.Container{
		Networks:   make(map[string]string),
		Attributes: make(map[string]string),
	}
	if info.ContainerJSONBase != nil {
		c.ID = info.ID
		c.Name = strings.TrimPrefix(info.Name, "/")
	}
	if info.Config != nil {
		// Labels first so environment variables win on conflicting keys.
		for k, v := range info.Config.Labels {
			c.Attributes[k] = v
		}
		for k, v := range parseEnv(info.Config.Env) {
			c.Attributes[k] = v
		}
	}
	if info.NetworkSettings != nil {
		for name, ep := range info.NetworkSettings.Networks {
			if ep == nil {
				continue
			}
			c.Networks[name] = ep.IPAddress
		}
	}
	return c
}

func parseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func networkNames(c domain.Container) []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

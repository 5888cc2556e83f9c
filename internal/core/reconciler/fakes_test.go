package reconciler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/melih/envoy-npm/internal/core/domain"
	"github.com/melih/envoy-npm/internal/core/ports"
	"github.com/melih/envoy-npm/internal/core/registry"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type call struct {
	op      string
	id      int
	entry   domain.ProxyEntry
	desc    domain.ProxyDescriptor
	meta    domain.EntryMeta
	comment string
	enabled bool
}

// fakeBackend keeps proxy hosts in memory and records every mutation.
type fakeBackend struct {
	mu     sync.Mutex
	hosts  map[int]domain.ProxyEntry
	nextID int
	calls  []call
	fail   map[string]error
}

func newFakeBackend(entries ...domain.ProxyEntry) *fakeBackend {
	b := &fakeBackend{hosts: make(map[int]domain.ProxyEntry), nextID: 100, fail: make(map[string]error)}
	for _, e := range entries {
		b.hosts[e.ID] = e.Clone()
	}
	return b
}

func (b *fakeBackend) Login(context.Context) (ports.Session, error) {
	return ports.Session{Token: "t"}, nil
}

func (b *fakeBackend) ListEntries(context.Context) ([]domain.ProxyEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail["list"]; err != nil {
		return nil, err
	}
	out := make([]domain.ProxyEntry, 0, len(b.hosts))
	for _, e := range b.hosts {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *fakeBackend) CreateEntry(_ context.Context, d domain.ProxyDescriptor, meta domain.EntryMeta, comment string) (domain.ProxyEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{op: "create", desc: d, meta: meta, comment: comment})
	if err := b.fail["create"]; err != nil {
		return domain.ProxyEntry{}, err
	}
	b.nextID++
	e := domain.ProxyEntry{ID: b.nextID, DomainNames: []string{d.Domain}, Enabled: true, Meta: meta, Comments: comment}
	e.Apply(d)
	b.hosts[e.ID] = e
	return e.Clone(), nil
}

func (b *fakeBackend) UpdateEntry(_ context.Context, id int, e domain.ProxyEntry) (domain.ProxyEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{op: "update", id: id, entry: e.Clone()})
	if err := b.fail["update"]; err != nil {
		return domain.ProxyEntry{}, err
	}
	e.ID = id
	b.hosts[id] = e.Clone()
	return e, nil
}

func (b *fakeBackend) SetEnabled(_ context.Context, id int, enabled bool, comment string) (domain.ProxyEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{op: "set_enabled", id: id, enabled: enabled, comment: comment})
	if err := b.fail["set_enabled"]; err != nil {
		return domain.ProxyEntry{}, err
	}
	e, ok := b.hosts[id]
	if !ok {
		return domain.ProxyEntry{}, &domain.BackendError{Op: "get", StatusCode: 404, Attempts: 1}
	}
	e.Enabled = enabled
	e.Comments = comment
	b.hosts[id] = e
	return e.Clone(), nil
}

func (b *fakeBackend) mutations() []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]call(nil), b.calls...)
}

// fakeRuntime serves a fixed set of running containers.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]domain.Container
}

func newFakeRuntime(containers ...domain.Container) *fakeRuntime {
	r := &fakeRuntime{containers: make(map[string]domain.Container)}
	for _, c := range containers {
		r.containers[c.ID] = c
	}
	return r
}

func (r *fakeRuntime) Snapshot(context.Context) ([]domain.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRuntime) Inspect(_ context.Context, id string) (domain.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return domain.Container{}, domain.ErrContainerNotFound
	}
	return c, nil
}

func (r *fakeRuntime) Events(context.Context) (<-chan domain.LifecycleEvent, error) {
	return nil, errors.New("not used")
}

type harness struct {
	engine   *Engine
	backend  *fakeBackend
	runtime  *fakeRuntime
	registry *registry.Registry
	logs     *test.Hook
}

func newHarness(backend *fakeBackend, runtime *fakeRuntime, policy Policy) *harness {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	reg := registry.New()
	entries, _ := backend.ListEntries(context.Background())
	reg.Replace(entries)

	e := New(backend, runtime, reg, Options{
		Policy: policy,
		Logger: logrus.NewEntry(logger),
		Now:    func() time.Time { return testNow },
	})
	return &harness{engine: e, backend: backend, runtime: runtime, registry: reg, logs: hook}
}

func (h *harness) entriesAt(level logrus.Level) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range h.logs.AllEntries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

func webContainer(id, host string) domain.Container {
	return domain.Container{
		ID:       id,
		Name:     "web-" + id,
		Networks: map[string]string{"bridge": "172.17.0." + id},
		Attributes: map[string]string{
			domain.AttrHost: host,
			domain.AttrPort: "8080",
		},
	}
}

func ownedEntry(id int, host, containerID string, enabled bool) domain.ProxyEntry {
	return domain.ProxyEntry{
		ID:            id,
		DomainNames:   []string{host},
		ForwardHost:   "10.9.9.9",
		ForwardPort:   80,
		ForwardScheme: domain.SchemeHTTP,
		Enabled:       enabled,
		Meta: domain.EntryMeta{
			ManagedBy:   domain.ManagedBy,
			ContainerID: containerID,
			CreatedAt:   "2023-01-01T00:00:00Z",
			Extra:       map[string]any{"nginx_online": true},
		},
	}
}

func foreignEntry(id int, host string) domain.ProxyEntry {
	return domain.ProxyEntry{
		ID:          id,
		DomainNames: []string{host},
		ForwardHost: "192.168.1.10",
		ForwardPort: 3000,
		Enabled:     true,
		// A look-alike container id must not make the entry ours.
		Meta: domain.EntryMeta{ContainerID: "1"},
	}
}

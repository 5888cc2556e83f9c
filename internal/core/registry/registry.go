// Package registry holds the in-memory index of proxy entries known to the
// backend. It is written by the reconciler only; other goroutines read copies.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/melih/envoy-npm/internal/core/domain"
)

// Registry maps every domain name to the proxy entry serving it.
type Registry struct {
	mu      sync.RWMutex
	byID    map[int]domain.ProxyEntry
	domains map[string]int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:    make(map[int]domain.ProxyEntry),
		domains: make(map[string]int),
	}
}

// Replace drops the current contents and loads entries.
func (r *Registry) Replace(entries []domain.ProxyEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[int]domain.ProxyEntry, len(entries))
	r.domains = make(map[string]int, len(entries))
	for _, e := range entries {
		r.put(e)
	}
}

// Put inserts or replaces the entry with the same ID.
func (r *Registry) Put(e domain.ProxyEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(e)
}

func (r *Registry) put(e domain.ProxyEntry) {
	if old, ok := r.byID[e.ID]; ok {
		r.unindex(old)
	}
	e = e.Clone()
	r.byID[e.ID] = e
	for _, name := range e.DomainNames {
		r.domains[normalize(name)] = e.ID
	}
}

func (r *Registry) unindex(e domain.ProxyEntry) {
	for _, name := range e.DomainNames {
		key := normalize(name)
		if r.domains[key] == e.ID {
			delete(r.domains, key)
		}
	}
}

// Remove deletes the entry with the given ID.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byID[id]; ok {
		r.unindex(e)
		delete(r.byID, id)
	}
}

// Get returns the entry serving domain.
func (r *Registry) Get(name string) (domain.ProxyEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.domains[normalize(name)]
	if !ok {
		return domain.ProxyEntry{}, false
	}
	return r.byID[id].Clone(), true
}

// FindByContainer scans for owned entries bound to containerID.
func (r *Registry) FindByContainer(containerID string) []domain.ProxyEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ProxyEntry
	for _, e := range r.byID {
		if e.Owned() && e.Meta.ContainerID == containerID {
			out = append(out, e.Clone())
		}
	}
	sortEntries(out)
	return out
}

// Snapshot returns a copy of every entry, ordered by domain.
func (r *Registry) Snapshot() []domain.ProxyEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ProxyEntry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.Clone())
	}
	sortEntries(out)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func sortEntries(entries []domain.ProxyEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Domain() != entries[j].Domain() {
			return entries[i].Domain() < entries[j].Domain()
		}
		return entries[i].ID < entries[j].ID
	})
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

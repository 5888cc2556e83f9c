package domain

import (
	"sort"
	"time"
)

// Container represents a running container as seen by the runtime.
type Container struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Networks   map[string]string `json:"networks"` // network name -> IP address
	Attributes map[string]string `json:"-"`
}

// ShortID returns the 12 character form used in logs and comments.
func (c Container) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// Address resolves the address a proxy entry should forward to. The preferred
// network wins when the container is attached to it, otherwise the first
// network (by name) with an address is used.
func (c Container) Address(preferred string) string {
	if preferred != "" {
		if ip := c.Networks[preferred]; ip != "" {
			return ip
		}
	}
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ip := c.Networks[name]; ip != "" {
			return ip
		}
	}
	return ""
}

// EventKind is a container lifecycle transition.
type EventKind string

const (
	EventStart EventKind = "start"
	EventStop  EventKind = "stop"
	EventDie   EventKind = "die"
)

// LifecycleEvent is a single container transition delivered by the runtime.
type LifecycleEvent struct {
	Kind        EventKind
	ContainerID string
	Name        string
	Time        time.Time
}

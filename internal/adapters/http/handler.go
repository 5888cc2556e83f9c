package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/melih/envoy-npm/internal/core/domain"
	"github.com/melih/envoy-npm/internal/core/ports"
)

// HostLister is the read-only view of the host registry the handlers need.
type HostLister interface {
	Snapshot() []domain.ProxyEntry
}

// StatusHandler serves the operational endpoints.
type StatusHandler struct {
	events ports.ConnectionState
	hosts  HostLister
}

func NewStatusHandler(events ports.ConnectionState, hosts HostLister) *StatusHandler {
	return &StatusHandler{events: events, hosts: hosts}
}

// Health reports ok while the container event stream is connected.
func (h *StatusHandler) Health(c *fiber.Ctx) error {
	if !h.events.Connected() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":           "unavailable",
			"events_connected": false,
		})
	}
	return c.JSON(fiber.Map{
		"status":           "ok",
		"events_connected": true,
	})
}

type hostView struct {
	ID          int      `json:"id"`
	DomainNames []string `json:"domain_names"`
	ForwardHost string   `json:"forward_host"`
	ForwardPort int      `json:"forward_port"`
	Enabled     bool     `json:"enabled"`
	Managed     bool     `json:"managed"`
	ContainerID string   `json:"container_id,omitempty"`
	Comments    string   `json:"comments,omitempty"`
}

// ListHosts returns the registry contents. ?managed=true limits the result
// to entries owned by envoy-npm.
func (h *StatusHandler) ListHosts(c *fiber.Ctx) error {
	onlyManaged := c.QueryBool("managed", false)

	entries := h.hosts.Snapshot()
	views := make([]hostView, 0, len(entries))
	for _, e := range entries {
		if onlyManaged && !e.Owned() {
			continue
		}
		v := hostView{
			ID:          e.ID,
			DomainNames: e.DomainNames,
			ForwardHost: e.ForwardHost,
			ForwardPort: e.ForwardPort,
			Enabled:     e.Enabled,
			Managed:     e.Owned(),
		}
		if v.Managed {
			v.ContainerID = e.Meta.ContainerID
			v.Comments = e.Comments
		}
		views = append(views, v)
	}
	return c.JSON(views)
}

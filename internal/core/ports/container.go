package ports

import (
	"context"

	"github.com/melih/envoy-npm/internal/core/domain"
)

// RuntimeSource defines the container runtime operations the reconciler needs.
// This interface allows us to switch between Docker, Podman, or Kubernetes
// without changing the business logic.
type RuntimeSource interface {
	// Snapshot lists every running container with its declared attributes.
	Snapshot(ctx context.Context) ([]domain.Container, error)
	// Inspect returns a single container, or domain.ErrContainerNotFound.
	Inspect(ctx context.Context, id string) (domain.Container, error)
	// Events streams start/stop/die transitions until ctx is cancelled. The
	// stream reconnects on its own; duplicates after a reconnect are possible.
	Events(ctx context.Context) (<-chan domain.LifecycleEvent, error)
}

// ConnectionState reports whether a long-lived subscription is currently up.
type ConnectionState interface {
	Connected() bool
}

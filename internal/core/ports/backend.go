package ports

import (
	"context"

	"github.com/melih/envoy-npm/internal/core/domain"
)

// Session is an authenticated backend session.
type Session struct {
	Token   string
	Expires string
}

// ProxyBackend defines operations against the proxy management backend.
// Implementations retry transient failures themselves; callers never retry.
type ProxyBackend interface {
	Login(ctx context.Context) (Session, error)
	ListEntries(ctx context.Context) ([]domain.ProxyEntry, error)
	CreateEntry(ctx context.Context, d domain.ProxyDescriptor, meta domain.EntryMeta, comment string) (domain.ProxyEntry, error)
	UpdateEntry(ctx context.Context, id int, e domain.ProxyEntry) (domain.ProxyEntry, error)
	SetEnabled(ctx context.Context, id int, enabled bool, comment string) (domain.ProxyEntry, error)
}

package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotDeclared means the container declares no proxy configuration at all.
	ErrNotDeclared = errors.New("container declares no proxy configuration")
	// ErrNoAddress means no network address could be resolved for the container.
	ErrNoAddress = errors.New("container has no network address")
	// ErrContainerNotFound is returned by the runtime when a container is gone.
	ErrContainerNotFound = errors.New("container not found")
	// ErrAuth is returned when the backend rejects our credentials.
	ErrAuth = errors.New("backend authentication failed")
	// ErrOwnershipConflict marks a domain held by an entry we don't own.
	ErrOwnershipConflict = errors.New("domain is managed outside of " + ManagedBy)
)

// ValidationReason classifies descriptor validation failures.
type ValidationReason string

const (
	ReasonMissingRequired ValidationReason = "missing_required"
	ReasonInvalidPort     ValidationReason = "invalid_port"
	ReasonInvalidScheme   ValidationReason = "invalid_scheme"
)

// ValidationError is returned by Extract for malformed declarations.
type ValidationError struct {
	Reason ValidationReason
	Key    string
	Value  string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid proxy declaration: %s (%s)", e.Reason, e.Key)
	}
	return fmt.Sprintf("invalid proxy declaration: %s (%s=%q)", e.Reason, e.Key, e.Value)
}

// BackendError is a failed call to the proxy backend. Transient errors were
// retried before being returned; Attempts records how many calls were made.
type BackendError struct {
	Op         string
	StatusCode int
	Transient  bool
	Attempts   int
	Message    string
	Err        error
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (%s, status %d, %d attempts): %s", e.Op, kind, e.StatusCode, e.Attempts, msg)
	}
	return fmt.Sprintf("%s failed (%s, %d attempts): %s", e.Op, kind, e.Attempts, msg)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a backend failure that may succeed when
// attempted again later.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}

// Package npm implements ports.ProxyBackend against the Nginx Proxy Manager
// REST API.
package npm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/melih/envoy-npm/internal/core/domain"
	"github.com/melih/envoy-npm/internal/core/ports"
	"github.com/melih/envoy-npm/internal/metrics"
)

const (
	opLogin  = "login"
	opList   = "list"
	opGet    = "get"
	opCreate = "create"
	opUpdate = "update"
)

// Options configures a Client.
type Options struct {
	// BaseURL of the NPM instance, e.g. http://npm:81. "/api" is appended
	// unless already present.
	BaseURL  string
	Email    string
	Password string

	// MaxAttempts bounds the number of calls made per operation.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; it doubles on each
	// further retry up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	HTTPClient *http.Client
	Logger     *logrus.Entry
	Metrics    *metrics.Metrics
}

// Client implements ports.ProxyBackend using the NPM REST API
type Client struct {
	baseURL     string
	email       string
	password    string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	http        *http.Client
	log         *logrus.Entry
	metrics     *metrics.Metrics
	sleep       func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	token string
}

var _ ports.ProxyBackend = (*Client)(nil)

// NewClient creates a new NPM client. It does not log in.
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse backend url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q: expected http(s)://host[:port]", opts.BaseURL)
	}
	if !strings.HasSuffix(u.Path, "/api") {
		u.Path += "/api"
	}

	c := &Client{
		baseURL:     u.String(),
		email:       opts.Email,
		password:    opts.Password,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		http:        opts.HTTPClient,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		sleep:       sleepContext,
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = c.baseDelay
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.log = c.log.WithField("component", "npm")
	return c, nil
}

// Login authenticates with the configured credentials and keeps the token for
// subsequent calls.
func (c *Client) Login(ctx context.Context) (ports.Session, error) {
	var resp tokenResponse
	err := c.do(ctx, opLogin, http.MethodPost, "/tokens", tokenRequest{Identity: c.email, Secret: c.password}, &resp)
	if err != nil {
		return ports.Session{}, err
	}
	if resp.Token == "" {
		return ports.Session{}, &domain.BackendError{Op: opLogin, Attempts: 1, Message: "response carries no token", Err: domain.ErrAuth}
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()

	c.log.WithField("expires", resp.Expires).Info("Logged in to backend")
	return ports.Session{Token: resp.Token, Expires: resp.Expires}, nil
}

// ListEntries returns every proxy host known to the backend.
func (c *Client) ListEntries(ctx context.Context) ([]domain.ProxyEntry, error) {
	var hosts []hostResponse
	if err := c.do(ctx, opList, http.MethodGet, "/nginx/proxy-hosts", nil, &hosts); err != nil {
		return nil, err
	}
	entries := make([]domain.ProxyEntry, 0, len(hosts))
	for _, h := range hosts {
		entries = append(entries, h.toEntry())
	}
	c.log.Debugf("Fetched %d proxy hosts", len(entries))
	return entries, nil
}

// CreateEntry creates an enabled proxy host for d.
func (c *Client) CreateEntry(ctx context.Context, d domain.ProxyDescriptor, meta domain.EntryMeta, comment string) (domain.ProxyEntry, error) {
	e := domain.ProxyEntry{
		DomainNames: []string{d.Domain},
		Enabled:     true,
		Meta:        meta,
		Comments:    comment,
	}
	e.Apply(d)

	req := hostCreateRequest{
		hostRequest:   entryRequest(e),
		BlockExploits: true,
	}
	var h hostResponse
	if err := c.do(ctx, opCreate, http.MethodPost, "/nginx/proxy-hosts", req, &h); err != nil {
		return domain.ProxyEntry{}, err
	}
	return h.toEntry(), nil
}

// UpdateEntry writes the managed fields of e to host id.
func (c *Client) UpdateEntry(ctx context.Context, id int, e domain.ProxyEntry) (domain.ProxyEntry, error) {
	var h hostResponse
	if err := c.do(ctx, opUpdate, http.MethodPut, hostPath(id), entryRequest(e), &h); err != nil {
		return domain.ProxyEntry{}, err
	}
	return h.toEntry(), nil
}

// SetEnabled flips the enabled flag of host id and records comment in its
// meta. The host is read first so the rest of its meta is kept.
func (c *Client) SetEnabled(ctx context.Context, id int, enabled bool, comment string) (domain.ProxyEntry, error) {
	var current hostResponse
	if err := c.do(ctx, opGet, http.MethodGet, hostPath(id), nil, &current); err != nil {
		return domain.ProxyEntry{}, err
	}

	meta := make(map[string]any, len(current.Meta)+1)
	for k, v := range current.Meta {
		meta[k] = v
	}
	if comment != "" {
		meta[metaComment] = comment
	}

	req := hostRequest{Enabled: ptr(enabled), Meta: meta}
	var h hostResponse
	if err := c.do(ctx, opUpdate, http.MethodPut, hostPath(id), req, &h); err != nil {
		return domain.ProxyEntry{}, err
	}
	return h.toEntry(), nil
}

func hostPath(id int) string {
	return fmt.Sprintf("/nginx/proxy-hosts/%d", id)
}

type response struct {
	status int
	body   []byte
}

// do performs one API operation with retries. Transient failures (network
// errors, 5xx, 429) are retried with exponential backoff. A 401 triggers one
// login and an immediate retry. Any other 4xx is returned at once.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return &domain.BackendError{Op: op, Message: "failed to encode request", Err: err}
		}
	}

	log := c.log.WithFields(logrus.Fields{"op": op, "method": method, "path": path})
	reauthed := op == opLogin

	var lastErr *domain.BackendError
	for attempt := 1; ; attempt++ {
		resp, err := c.send(ctx, method, path, payload, op != opLogin)
		if err == nil && resp.status == http.StatusUnauthorized && !reauthed {
			reauthed = true
			log.Warn("Backend session expired, logging in again")
			if _, lerr := c.Login(ctx); lerr != nil {
				c.metrics.BackendRequest(op, "auth_failed")
				return lerr
			}
			resp, err = c.send(ctx, method, path, payload, true)
		}

		switch {
		case err != nil:
			if ctx.Err() != nil {
				c.metrics.BackendRequest(op, "cancelled")
				return &domain.BackendError{Op: op, Transient: true, Attempts: attempt, Err: ctx.Err()}
			}
			lastErr = &domain.BackendError{Op: op, Transient: true, Attempts: attempt, Err: err}

		case resp.status >= 200 && resp.status < 300:
			c.metrics.BackendRequest(op, "ok")
			if out == nil || len(resp.body) == 0 {
				return nil
			}
			if err := json.Unmarshal(resp.body, out); err != nil {
				return &domain.BackendError{Op: op, StatusCode: resp.status, Attempts: attempt, Message: "failed to decode response", Err: err}
			}
			return nil

		case resp.status >= 500 || resp.status == http.StatusTooManyRequests:
			lastErr = &domain.BackendError{Op: op, StatusCode: resp.status, Transient: true, Attempts: attempt, Message: errorMessage(resp.body)}

		default:
			be := &domain.BackendError{Op: op, StatusCode: resp.status, Attempts: attempt, Message: errorMessage(resp.body)}
			if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
				be.Err = domain.ErrAuth
			}
			c.metrics.BackendRequest(op, "rejected")
			return be
		}

		if attempt >= c.maxAttempts {
			c.metrics.BackendRequest(op, "exhausted")
			log.WithError(lastErr).Errorf("Giving up after %d attempts", attempt)
			return lastErr
		}

		delay := c.backoff(attempt)
		c.metrics.BackendRetry(op)
		log.WithError(lastErr).Warnf("Backend call failed (attempt %d/%d), retrying in %v", attempt, c.maxAttempts, delay)
		if err := c.sleep(ctx, delay); err != nil {
			c.metrics.BackendRequest(op, "cancelled")
			lastErr.Err = errors.Join(lastErr.Err, err)
			return lastErr
		}
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, auth bool) (response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		c.mu.Lock()
		token := c.token
		c.mu.Unlock()
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("failed to read response body: %w", err)
	}
	return response{status: resp.StatusCode, body: b}, nil
}

// backoff returns the wait before retry number attempt (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay
	for i := 1; i < attempt && d < c.maxDelay; i++ {
		d *= 2
	}
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func errorMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Error.Message != "" {
			return e.Error.Message
		}
		if e.Message != "" {
			return e.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

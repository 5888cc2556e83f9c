package npm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/melih/envoy-npm/internal/core/domain"
	"github.com/melih/envoy-npm/internal/metrics"
)

// fakeNPM is a minimal in-memory NPM API.
type fakeNPM struct {
	mu       sync.Mutex
	token    string
	logins   int
	requests []string
	hosts    map[string]map[string]any
	failures map[string][]int // "METHOD path" -> status codes to return first
	lastBody map[string]any
}

func newFakeNPM() *fakeNPM {
	return &fakeNPM{
		token:    "token-1",
		hosts:    make(map[string]map[string]any),
		failures: make(map[string][]int),
	}
}

func (f *fakeNPM) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.Method + " " + r.URL.Path
	f.requests = append(f.requests, key)

	var body map[string]any
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &body)
		f.lastBody = body
	}

	if codes := f.failures[key]; len(codes) > 0 {
		f.failures[key] = codes[1:]
		w.WriteHeader(codes[0])
		_, _ = w.Write([]byte(`{"error":{"message":"injected failure"}}`))
		return
	}

	if r.URL.Path == "/api/tokens" {
		if body["identity"] != "admin@example.com" || body["secret"] != "changeme" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"Invalid password"}}`))
			return
		}
		f.logins++
		_ = json.NewEncoder(w).Encode(map[string]any{"token": f.token, "expires": "2030-01-01T00:00:00Z"})
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case key == "GET /api/nginx/proxy-hosts":
		list := make([]map[string]any, 0, len(f.hosts))
		for _, h := range f.hosts {
			list = append(list, h)
		}
		_ = json.NewEncoder(w).Encode(list)
	case key == "POST /api/nginx/proxy-hosts":
		body["id"] = len(f.hosts) + 1
		f.hosts["/api/nginx/proxy-hosts/"+jsonNumber(body["id"])] = body
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(body)
	case r.Method == http.MethodGet:
		h, ok := f.hosts[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(h)
	case r.Method == http.MethodPut:
		h, ok := f.hosts[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		for k, v := range body {
			h[k] = v
		}
		_ = json.NewEncoder(w).Encode(h)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func jsonNumber(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func (f *fakeNPM) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == key {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, f *fakeNPM, m *metrics.Metrics) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := NewClient(Options{
		BaseURL:     srv.URL,
		Email:       "admin@example.com",
		Password:    "changeme",
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Logger:      logrus.NewEntry(logger),
		Metrics:     m,
	})
	assert.NilError(t, err)
	return c
}

func TestNewClientURL(t *testing.T) {
	c, err := NewClient(Options{BaseURL: "http://npm:81/"})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(c.baseURL, "http://npm:81/api"))

	c, err = NewClient(Options{BaseURL: "https://npm.example.com/api"})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(c.baseURL, "https://npm.example.com/api"))

	_, err = NewClient(Options{BaseURL: "npm:81"})
	assert.Check(t, is.ErrorContains(err, "invalid backend url"))
}

func TestLogin(t *testing.T) {
	f := newFakeNPM()
	c := newTestClient(t, f, nil)

	s, err := c.Login(context.Background())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(s.Token, "token-1"))
	assert.Check(t, is.Equal(c.token, "token-1"))
}

func TestLoginBadCredentials(t *testing.T) {
	f := newFakeNPM()
	c := newTestClient(t, f, nil)
	c.password = "wrong"

	_, err := c.Login(context.Background())
	assert.Check(t, is.ErrorIs(err, domain.ErrAuth))
	assert.Check(t, is.Equal(f.count("POST /api/tokens"), 1))
}

func TestCreateAndList(t *testing.T) {
	f := newFakeNPM()
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	_, err := c.Login(ctx)
	assert.NilError(t, err)

	d := domain.ProxyDescriptor{Domain: "a.test", ForwardHost: "10.0.0.2", ForwardPort: 8080, Scheme: domain.SchemeHTTP, WebSocketsEnabled: true}
	meta := domain.EntryMeta{ManagedBy: domain.ManagedBy, ContainerID: "c1", CreatedAt: "2024-01-01T00:00:00Z"}
	e, err := c.CreateEntry(ctx, d, meta, "Linked to: web (a.test)")
	assert.NilError(t, err)
	assert.Check(t, is.Equal(e.ID, 1))
	assert.Check(t, e.Enabled)
	assert.Check(t, e.Owned())
	assert.Check(t, e.AllowWebsocketUpgrade)
	assert.Check(t, is.Equal(e.Comments, "Linked to: web (a.test)"))
	assert.Check(t, is.Equal(f.lastBody["block_exploits"], true))

	entries, err := c.ListEntries(ctx)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 1))
	assert.Check(t, is.Equal(entries[0].Meta.ContainerID, "c1"))
	assert.Check(t, is.Equal(entries[0].ForwardPort, 8080))
}

func TestListDecodesLegacyFields(t *testing.T) {
	f := newFakeNPM()
	f.hosts["/api/nginx/proxy-hosts/7"] = map[string]any{
		"id":           7,
		"domain_names": []string{"legacy.test"},
		"enabled":      1,
		"ssl_forced":   0,
		"meta":         `{"managed_by":"EnvoyNPM","container_id":"c9","nginx_online":true}`,
	}
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	_, err := c.Login(ctx)
	assert.NilError(t, err)

	entries, err := c.ListEntries(ctx)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 1))
	e := entries[0]
	assert.Check(t, e.Enabled)
	assert.Check(t, !e.SSLForced)
	assert.Check(t, e.Owned())
	assert.Check(t, is.Equal(e.Meta.ContainerID, "c9"))
	assert.Check(t, is.Equal(e.Meta.Extra["nginx_online"], true))
}

func TestSetEnabledKeepsMeta(t *testing.T) {
	f := newFakeNPM()
	f.hosts["/api/nginx/proxy-hosts/3"] = map[string]any{
		"id":           3,
		"domain_names": []string{"a.test"},
		"enabled":      true,
		"meta":         map[string]any{"managed_by": "EnvoyNPM", "container_id": "c1", "letsencrypt_agree": false},
	}
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	_, err := c.Login(ctx)
	assert.NilError(t, err)

	e, err := c.SetEnabled(ctx, 3, false, "stopped")
	assert.NilError(t, err)
	assert.Check(t, !e.Enabled)
	assert.Check(t, is.Equal(e.Comments, "stopped"))
	assert.Check(t, is.Equal(e.Meta.ContainerID, "c1"))
	assert.Check(t, is.Equal(e.Meta.Extra["letsencrypt_agree"], false))
}

func TestRetryOnServerError(t *testing.T) {
	f := newFakeNPM()
	f.failures["GET /api/nginx/proxy-hosts"] = []int{http.StatusBadGateway, http.StatusServiceUnavailable}
	m := metrics.New(prometheus.NewRegistry())
	c := newTestClient(t, f, m)
	ctx := context.Background()
	_, err := c.Login(ctx)
	assert.NilError(t, err)

	_, err = c.ListEntries(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(f.count("GET /api/nginx/proxy-hosts"), 3))
	assert.Check(t, is.Equal(testutil.ToFloat64(m.BackendRetries.WithLabelValues(opList)), float64(2)))
}

func TestRetryExhausted(t *testing.T) {
	f := newFakeNPM()
	f.failures["GET /api/nginx/proxy-hosts"] = []int{500, 500, 500, 500}
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	_, err := c.Login(ctx)
	assert.NilError(t, err)

	_, err = c.ListEntries(ctx)
	var be *domain.BackendError
	assert.Assert(t, errors.As(err, &be))
	assert.Check(t, be.Transient)
	assert.Check(t, is.Equal(be.Attempts, 3))
	assert.Check(t, is.Equal(be.StatusCode, 500))
	assert.Check(t, is.Equal(f.count("GET /api/nginx/proxy-hosts"), 3))
}

func TestNoRetryOnValidationError(t *testing.T) {
	f := newFakeNPM()
	f.failures["POST /api/nginx/proxy-hosts"] = []int{http.StatusBadRequest}
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	_, err := c.Login(ctx)
	assert.NilError(t, err)

	_, err = c.CreateEntry(ctx, domain.ProxyDescriptor{Domain: "a.test", ForwardHost: "h", ForwardPort: 80}, domain.EntryMeta{}, "")
	var be *domain.BackendError
	assert.Assert(t, errors.As(err, &be))
	assert.Check(t, !be.Transient)
	assert.Check(t, is.Equal(be.StatusCode, http.StatusBadRequest))
	assert.Check(t, is.Equal(be.Message, "injected failure"))
	assert.Check(t, is.Equal(f.count("POST /api/nginx/proxy-hosts"), 1))
}

func TestReloginOnExpiredToken(t *testing.T) {
	f := newFakeNPM()
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	_, err := c.Login(ctx)
	assert.NilError(t, err)

	f.mu.Lock()
	f.token = "token-2"
	f.mu.Unlock()

	_, err = c.ListEntries(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(f.logins, 2))
	assert.Check(t, is.Equal(c.token, "token-2"))
}

func TestReloginOnlyOnce(t *testing.T) {
	f := newFakeNPM()
	f.failures["GET /api/nginx/proxy-hosts"] = []int{401, 401, 401}
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	_, err := c.Login(ctx)
	assert.NilError(t, err)

	_, err = c.ListEntries(ctx)
	assert.Check(t, is.ErrorIs(err, domain.ErrAuth))
	assert.Check(t, is.Equal(f.logins, 2))
	assert.Check(t, is.Equal(f.count("GET /api/nginx/proxy-hosts"), 2))
}

func TestBackoffIsCapped(t *testing.T) {
	c := &Client{baseDelay: time.Second, maxDelay: 5 * time.Second}
	assert.Check(t, is.Equal(c.backoff(1), time.Second))
	assert.Check(t, is.Equal(c.backoff(2), 2*time.Second))
	assert.Check(t, is.Equal(c.backoff(3), 4*time.Second))
	assert.Check(t, is.Equal(c.backoff(4), 5*time.Second))
	assert.Check(t, is.Equal(c.backoff(40), 5*time.Second))
}

func TestCancelledContextStopsRetries(t *testing.T) {
	f := newFakeNPM()
	f.failures["GET /api/nginx/proxy-hosts"] = []int{500, 500, 500}
	c := newTestClient(t, f, nil)
	_, err := c.Login(context.Background())
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err = c.ListEntries(ctx)
	assert.Check(t, is.ErrorIs(err, context.Canceled))
	assert.Check(t, is.Equal(f.count("GET /api/nginx/proxy-hosts"), 1))
}

func TestErrorMessage(t *testing.T) {
	assert.Check(t, is.Equal(errorMessage([]byte(`{"error":{"message":"Domain already in use"}}`)), "Domain already in use"))
	assert.Check(t, is.Equal(errorMessage([]byte(`{"message":"nope"}`)), "nope"))
	assert.Check(t, is.Equal(errorMessage([]byte(" plain text ")), "plain text"))
	assert.Check(t, is.Equal(len(errorMessage([]byte(strings.Repeat("x", 1000)))), 256))
}

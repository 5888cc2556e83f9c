// Package config loads process configuration from the environment and
// command line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config is the runtime configuration of envoy-npm.
type Config struct {
	NPMURL      string
	NPMEmail    string
	NPMPassword string

	DockerHost string

	LogLevel  string
	LogFormat string

	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	SyncInterval     time.Duration
	HealthPort       int
	AllowDomainReuse bool
	ShutdownGrace    time.Duration
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		LogLevel:         "info",
		LogFormat:        "text",
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
		MaxRetryDelay:    time.Minute,
		SyncInterval:     60 * time.Second,
		HealthPort:       8080,
		AllowDomainReuse: true,
		ShutdownGrace:    10 * time.Second,
	}
}

// FromEnv overlays environment variables on the defaults. Malformed values
// are reported rather than silently ignored.
func FromEnv() (Config, error) {
	c := Default()
	env := envReader{}

	c.NPMURL = env.str("NPM_API_URL", c.NPMURL)
	c.NPMEmail = env.str("NPM_API_EMAIL", c.NPMEmail)
	c.NPMPassword = env.str("NPM_API_PASSWORD", c.NPMPassword)
	c.DockerHost = env.str("DOCKER_SOCKET", c.DockerHost)
	c.LogLevel = env.str("LOG_LEVEL", c.LogLevel)
	c.LogFormat = env.str("LOG_FORMAT", c.LogFormat)
	c.MaxRetries = env.integer("MAX_RETRIES", c.MaxRetries)
	c.RetryDelay = env.seconds("RETRY_DELAY", c.RetryDelay)
	c.MaxRetryDelay = env.seconds("MAX_RETRY_DELAY", c.MaxRetryDelay)
	c.SyncInterval = env.seconds("SYNC_INTERVAL", c.SyncInterval)
	c.HealthPort = env.integer("HEALTH_PORT", c.HealthPort)
	c.AllowDomainReuse = env.boolean("ALLOW_DOMAIN_REUSE", c.AllowDomainReuse)
	c.ShutdownGrace = env.seconds("SHUTDOWN_GRACE", c.ShutdownGrace)

	if len(env.errs) > 0 {
		return c, fmt.Errorf("invalid environment: %s", strings.Join(env.errs, "; "))
	}
	return c, nil
}

// AddFlags registers flags for every setting, using the current values as
// defaults so flags override the environment.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.NPMURL, "npm-url", c.NPMURL, "Nginx Proxy Manager base URL (NPM_API_URL)")
	fs.StringVar(&c.NPMEmail, "npm-email", c.NPMEmail, "Nginx Proxy Manager login email (NPM_API_EMAIL)")
	fs.StringVar(&c.NPMPassword, "npm-password", c.NPMPassword, "Nginx Proxy Manager login password (NPM_API_PASSWORD)")
	fs.StringVar(&c.DockerHost, "docker-host", c.DockerHost, "Docker daemon socket or URL, defaults to DOCKER_HOST (DOCKER_SOCKET)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error (LOG_LEVEL)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text or json (LOG_FORMAT)")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Attempts per backend call (MAX_RETRIES)")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "Delay before the first retry, doubled per retry (RETRY_DELAY)")
	fs.DurationVar(&c.MaxRetryDelay, "max-retry-delay", c.MaxRetryDelay, "Upper bound of the retry delay (MAX_RETRY_DELAY)")
	fs.DurationVar(&c.SyncInterval, "sync-interval", c.SyncInterval, "Interval between full syncs, 0 disables (SYNC_INTERVAL)")
	fs.IntVar(&c.HealthPort, "health-port", c.HealthPort, "Port of the health and metrics server, 0 disables (HEALTH_PORT)")
	fs.BoolVar(&c.AllowDomainReuse, "allow-domain-reuse", c.AllowDomainReuse, "Let a new container take over a domain bound to another managed container (ALLOW_DOMAIN_REUSE)")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", c.ShutdownGrace, "Time allowed for in-flight backend calls on shutdown (SHUTDOWN_GRACE)")
}

// MaxRetriesLimit bounds the attempts per backend call.
const MaxRetriesLimit = 10

// Validate checks required values and ranges.
func (c Config) Validate() error {
	var missing []string
	if c.NPMURL == "" {
		missing = append(missing, "NPM_API_URL")
	}
	if c.NPMEmail == "" {
		missing = append(missing, "NPM_API_EMAIL")
	}
	if c.NPMPassword == "" {
		missing = append(missing, "NPM_API_PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch {
	case c.MaxRetries < 1 || c.MaxRetries > MaxRetriesLimit:
		return fmt.Errorf("max retries must be between 1 and %d, got %d", MaxRetriesLimit, c.MaxRetries)
	case c.RetryDelay <= 0:
		return fmt.Errorf("retry delay must be positive, got %v", c.RetryDelay)
	case c.MaxRetryDelay < c.RetryDelay:
		return fmt.Errorf("max retry delay %v is below retry delay %v", c.MaxRetryDelay, c.RetryDelay)
	case c.SyncInterval < 0:
		return fmt.Errorf("sync interval must not be negative, got %v", c.SyncInterval)
	case c.HealthPort < 0 || c.HealthPort > 65535:
		return fmt.Errorf("health port out of range: %d", c.HealthPort)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

type envReader struct {
	errs []string
}

func (r *envReader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (r *envReader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return n
}

func (r *envReader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s=%q is not a boolean", key, v))
		return def
	}
	return b
}

// seconds accepts either a plain number of seconds or a Go duration.
func (r *envReader) seconds(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s=%q is not a duration", key, v))
		return def
	}
	return d
}

// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/http/httpguts"

	"github.com/charleschege/swindon/internal/route"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/swindon/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	DebugRouting bool   `kong:"help='Expose the matched route in a response header (overrides config).',env='DEBUG_ROUTING'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Routing  RoutingConfig  `toml:"routing"`
	Routes   []RouteConfig  `toml:"routes"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RoutingConfig holds routing-wide settings.
type RoutingConfig struct {
	// DebugRouting exposes the matched route's name in the
	// X-Swindon-Route response header on every relayed response.
	DebugRouting bool `toml:"debug_routing"`
}

// RouteConfig is one [[routes]] entry: a path prefix mapped to an upstream
// target plus its header-rewrite policy.
type RouteConfig struct {
	Name            string `toml:"name"`
	Prefix          string `toml:"prefix"`
	UpstreamHost    string `toml:"upstream_host"`
	UpstreamPort    int    `toml:"upstream_port"`
	StripPrefix     bool   `toml:"strip_prefix"`
	RewritePrefix   string `toml:"rewrite_prefix"`
	HostOverride    string `toml:"host_override"`
	ForwardIPHeader string `toml:"forward_ip_header"`
	InjectRequestID bool   `toml:"inject_request_id"`
	TimeoutSeconds  int    `toml:"timeout_seconds"` // 0 means "use upstream.timeout_seconds"
}

// UpstreamConfig holds settings shared by all upstream targets.
type UpstreamConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
	// MaxConnections bounds concurrent in-flight exchanges per target.
	MaxConnections int `toml:"max_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/swindon/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.DebugRouting {
		c.Routing.DebugRouting = true
	}
}

// normalize canonicalizes route prefixes and fills derived names so that
// validation and table construction see one spelling per route.
func (c *Config) normalize() {
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.Prefix != "/" {
			r.Prefix = strings.TrimRight(r.Prefix, "/")
		}
		if r.Name == "" && strings.HasPrefix(r.Prefix, "/") {
			r.Name = route.SlugFromPrefix(r.Prefix)
		}
	}
}

func (c *Config) validate() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one [[routes]] entry is required")
	}

	seenPrefix := make(map[string]string, len(c.Routes))
	seenName := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Prefix == "" || !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("routes[%d]: prefix must start with '/'; got %q", i, r.Prefix)
		}
		if prev, ok := seenPrefix[r.Prefix]; ok {
			return fmt.Errorf("routes %q and %q are ambiguous: both use prefix %q", prev, r.Name, r.Prefix)
		}
		seenPrefix[r.Prefix] = r.Name
		if seenName[r.Name] {
			return fmt.Errorf("route name %q is used more than once", r.Name)
		}
		seenName[r.Name] = true

		if r.UpstreamHost == "" {
			return fmt.Errorf("route %q: upstream_host is required", r.Name)
		}
		if r.UpstreamPort < 1 || r.UpstreamPort > 65535 {
			return fmt.Errorf("route %q: upstream_port must be 1–65535; got %d", r.Name, r.UpstreamPort)
		}
		if r.RewritePrefix != "" && !strings.HasPrefix(r.RewritePrefix, "/") {
			return fmt.Errorf("route %q: rewrite_prefix must start with '/'; got %q", r.Name, r.RewritePrefix)
		}
		if r.ForwardIPHeader != "" && !httpguts.ValidHeaderFieldName(r.ForwardIPHeader) {
			return fmt.Errorf("route %q: forward_ip_header %q is not a valid header name", r.Name, r.ForwardIPHeader)
		}
		if r.TimeoutSeconds < 0 {
			return fmt.Errorf("route %q: timeout_seconds must be non-negative; got %d", r.Name, r.TimeoutSeconds)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.MaxConnections < 0 {
		return fmt.Errorf("upstream.max_connections must be non-negative; got %d", c.Upstream.MaxConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/swindon/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.MaxConnections == 0 {
		c.Upstream.MaxConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// RouteEntries converts the [[routes]] configuration into immutable route
// entries, applying the shared upstream timeout where a route has none.
func (c *Config) RouteEntries() []*route.Route {
	entries := make([]*route.Route, 0, len(c.Routes))
	for _, r := range c.Routes {
		timeout := time.Duration(r.TimeoutSeconds) * time.Second
		if timeout == 0 {
			timeout = time.Duration(c.Upstream.TimeoutSeconds) * time.Second
		}
		entries = append(entries, &route.Route{
			Name:            r.Name,
			Prefix:          r.Prefix,
			StripPrefix:     r.StripPrefix,
			RewritePrefix:   r.RewritePrefix,
			Target:          route.Target{Host: r.UpstreamHost, Port: r.UpstreamPort},
			HostOverride:    r.HostOverride,
			ForwardIPHeader: r.ForwardIPHeader,
			InjectRequestID: r.InjectRequestID,
			Timeout:         timeout,
		})
	}
	return entries
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// Package config loads the househunt configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the main configuration structure for househunt.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Teams         TeamsConfig         `yaml:"teams"`
	Notify        NotifyConfig        `yaml:"notify"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
	// BaseURL is the public app URL used to build invite links.
	BaseURL           string        `yaml:"base_url"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// JoinRatePerMinute limits invite redemptions per user.
	JoinRatePerMinute int `yaml:"join_rate_per_minute"`
	JoinBurst         int `yaml:"join_burst"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

type DatabaseConfig struct {
	// Driver is "postgres", "cockroach", "sqlite" or "memory".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	// AutoMigrate applies pending migrations when the server starts.
	AutoMigrate bool `yaml:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type RealtimeConfig struct {
	// URL is the realtime endpoint clients such as `househunt watch` dial.
	URL                  string        `yaml:"url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	ReconnectJitter      time.Duration `yaml:"reconnect_jitter"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
}

type TeamsConfig struct {
	ActivityLimit      int           `yaml:"activity_limit"`
	InviteTTL          time.Duration `yaml:"invite_ttl"`
	PresenceStaleAfter time.Duration `yaml:"presence_stale_after"`
}

type NotifyConfig struct {
	// Driver is "log" or "webhook".
	Driver  string        `yaml:"driver"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

type MaintenanceConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// IsEnabled reports whether the sweeper runs; it defaults to on.
func (m MaintenanceConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IsEnabled reports whether /metrics is served; it defaults to on.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	Insecure       bool    `yaml:"insecure"`
}

// Load reads, merges and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// local development with the in-memory store.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.JoinRatePerMinute == 0 {
		cfg.Server.JoinRatePerMinute = 10
	}
	if cfg.Server.JoinBurst == 0 {
		cfg.Server.JoinBurst = 5
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 2 * time.Minute
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 10 * time.Second
	}
	if cfg.Database.ConnectAttempts == 0 {
		cfg.Database.ConnectAttempts = 5
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Realtime.URL == "" {
		cfg.Realtime.URL = fmt.Sprintf("ws://localhost:%d/realtime", cfg.Server.HTTPPort)
	}
	if cfg.Realtime.HeartbeatInterval == 0 {
		cfg.Realtime.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Realtime.ReconnectBase == 0 {
		cfg.Realtime.ReconnectBase = time.Second
	}
	if cfg.Realtime.ReconnectMax == 0 {
		cfg.Realtime.ReconnectMax = 30 * time.Second
	}
	if cfg.Realtime.ReconnectJitter == 0 {
		cfg.Realtime.ReconnectJitter = time.Second
	}
	if cfg.Realtime.MaxReconnectAttempts == 0 {
		cfg.Realtime.MaxReconnectAttempts = 10
	}
	if cfg.Realtime.ConnectTimeout == 0 {
		cfg.Realtime.ConnectTimeout = 10 * time.Second
	}
	if cfg.Teams.ActivityLimit == 0 {
		cfg.Teams.ActivityLimit = 50
	}
	if cfg.Teams.InviteTTL == 0 {
		cfg.Teams.InviteTTL = 24 * time.Hour
	}
	if cfg.Teams.PresenceStaleAfter == 0 {
		cfg.Teams.PresenceStaleAfter = 5 * time.Minute
	}
	if cfg.Notify.Driver == "" {
		cfg.Notify.Driver = "log"
	}
	if cfg.Notify.Webhook.Timeout == 0 {
		cfg.Notify.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = "@every 15m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "househunt"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 1 and 65535")
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("server.base_url must be an absolute URL")
	}
	if c.Server.JoinRatePerMinute < 0 || c.Server.JoinBurst < 0 {
		add("server.join_rate_per_minute and server.join_burst must not be negative")
	}

	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "postgres", "postgresql", "pq", "cockroach", "cockroachdb", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Database.URL) == "" {
			add("database.url is required for driver %q", c.Database.Driver)
		}
	default:
		add("database.driver %q is not supported", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < 32 {
		add("auth.jwt_secret must be at least 32 characters")
	}

	if c.Realtime.ReconnectMax < c.Realtime.ReconnectBase {
		add("realtime.reconnect_max must not be less than realtime.reconnect_base")
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		add("realtime.max_reconnect_attempts must not be negative")
	}
	if u, err := url.Parse(c.Realtime.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		add("realtime.url must be a ws:// or wss:// URL")
	}

	if c.Teams.ActivityLimit < 1 || c.Teams.ActivityLimit > 500 {
		add("teams.activity_limit must be between 1 and 500")
	}
	if c.Teams.InviteTTL < time.Minute {
		add("teams.invite_ttl must be at least 1m")
	}

	switch c.Notify.Driver {
	case "log":
	case "webhook":
		if u, err := url.Parse(c.Notify.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("notify.webhook.url must be an http(s) URL")
		}
	default:
		add("notify.driver %q is not supported", c.Notify.Driver)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not supported", c.Logging.Level)
	}

	if t := c.Observability.Tracing; t.Enabled && strings.TrimSpace(t.Endpoint) == "" {
		add("observability.tracing.endpoint is required when tracing is enabled")
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}
	if !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		add("observability.metrics.path must start with /")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// AsValidationError unwraps a ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

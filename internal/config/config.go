// Package config handles loading and validating checkbench configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for checkbench.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.checkbench/workspace. Override: CHECKBENCH_WORKSPACE.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // debug, info (default), warn, error.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Install       InstallConfig        `json:"install" yaml:"install"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite in the workspace data dir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr      string           `json:"listen_addr" yaml:"listen_addr"`             // Default: "127.0.0.1:8000". Override: CHECKBENCH_LISTEN_ADDR.
	EnableDocs      bool             `json:"enable_docs" yaml:"enable_docs"`             // Serve OpenAPI docs at /docs.
	MaxRequestBytes int64            `json:"max_request_bytes" yaml:"max_request_bytes"` // Default: 8 MiB.
	RateLimit       *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// RateLimitConfig bounds analysis requests per session.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// SessionsConfig configures the session registry.
type SessionsConfig struct {
	IdleTimeoutSeconds  int    `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`   // Default: 1800.
	ReapIntervalSeconds int    `json:"reap_interval_seconds" yaml:"reap_interval_seconds"` // Default: 60.
	MaxSessions         int    `json:"max_sessions" yaml:"max_sessions"`                   // 0 = unlimited.
	FixedDir            string `json:"fixed_dir,omitempty" yaml:"fixed_dir,omitempty"`     // Shared sandbox for every session. Override: CHECKBENCH_FIXED_DIR.
}

// IdleTimeout returns how long a session may stay unused before it is reaped.
func (s SessionsConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// ReapInterval returns how often idle sessions are collected.
func (s SessionsConfig) ReapInterval() time.Duration {
	if s.ReapIntervalSeconds > 0 {
		return time.Duration(s.ReapIntervalSeconds) * time.Second
	}
	return time.Minute
}

// ToolsConfig configures the analyzers.
type ToolsConfig struct {
	Enabled              []string     `json:"enabled,omitempty" yaml:"enabled,omitempty"`                 // Default: mypy, pyright, pyrefly, ty.
	TimeoutSeconds       float64      `json:"timeout_seconds" yaml:"timeout_seconds"`                     // Per-tool timeout. Default: 60.
	DefaultPythonVersion string       `json:"default_python_version" yaml:"default_python_version"`       // Default: "3.12".
	PythonVersions       []string     `json:"python_versions,omitempty" yaml:"python_versions,omitempty"` // Default: 3.10 through 3.14.
	UVX                  string       `json:"uvx,omitempty" yaml:"uvx,omitempty"`                         // Default: "uvx".
	Cargo                string       `json:"cargo,omitempty" yaml:"cargo,omitempty"`                     // Default: "cargo".
	ProbeTimeoutSeconds  float64      `json:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`         // Version probe timeout. Default: 60.
	Cache                *CacheConfig `json:"cache,omitempty" yaml:"cache,omitempty"`                     // nil = result cache disabled
}

// Timeout returns the per-tool run timeout.
func (t ToolsConfig) Timeout() time.Duration {
	return seconds(t.TimeoutSeconds, 60*time.Second)
}

// ProbeTimeout returns the timeout for one version probe.
func (t ToolsConfig) ProbeTimeout() time.Duration {
	return seconds(t.ProbeTimeoutSeconds, 60*time.Second)
}

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	Size       int  `json:"size" yaml:"size"`               // Default: 256 entries.
	TTLSeconds int  `json:"ttl_seconds" yaml:"ttl_seconds"` // Default: 600.
}

// TTL returns how long a cached result stays valid.
func (c *CacheConfig) TTL() time.Duration {
	if c != nil && c.TTLSeconds > 0 {
		return time.Duration(c.TTLSeconds) * time.Second
	}
	return 10 * time.Minute
}

// InstallConfig configures the dependency installer.
type InstallConfig struct {
	UV             string  `json:"uv,omitempty" yaml:"uv,omitempty"`       // Default: "uv".
	TimeoutSeconds float64 `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 300.
}

// Timeout returns the timeout applied to each installer step.
func (i InstallConfig) Timeout() time.Duration {
	return seconds(i.TimeoutSeconds, 300*time.Second)
}

// SandboxConfig selects how analyzer processes are launched.
type SandboxConfig struct {
	Type           string        `json:"type" yaml:"type"`                         // "process" (default) or "docker".
	MaxOutputBytes int           `json:"max_output_bytes" yaml:"max_output_bytes"` // Per stream. Default: 4 MiB.
	Docker         *DockerConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
}

// DockerConfig configures the container executor.
type DockerConfig struct {
	Binary         string  `json:"binary,omitempty" yaml:"binary,omitempty"` // Default: "docker".
	Image          string  `json:"image" yaml:"image"`
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"`
	User           string  `json:"user,omitempty" yaml:"user,omitempty"` // --user value. Default: the server's uid:gid.
}

// StorageConfig configures the run history backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "none".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: CHECKBENCH_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, health checks and failure
// rate detection. When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the metrics endpoint path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "checkbench"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
	Environment string  `json:"environment,omitempty" yaml:"environment,omitempty"` // deployment.environment, e.g. "staging"

	// Attributes are extra resource attributes attached to every span.
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// AnomalyConfig configures the per-tool failure rate detector.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = half of runs failed to execute
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// DefaultTools is the analyzer set and display order used when tools.enabled
// is empty.
var DefaultTools = []string{"mypy", "pyright", "pyrefly", "ty"}

// DefaultPythonVersions are the interpreter versions offered to clients.
var DefaultPythonVersions = []string{"3.10", "3.11", "3.12", "3.13", "3.14"}

// Default returns a configuration with every default applied and environment
// overrides honored.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// DefaultConfigPath returns the default config file path (~/.checkbench/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "checkbench.yaml"
	}
	return filepath.Join(home, ".checkbench", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. A missing file yields the defaults. Environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		default:
			if err := decode(resolved, data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHECKBENCH_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("CHECKBENCH_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CHECKBENCH_FIXED_DIR"); v != "" {
		c.Sessions.FixedDir = v
	}
	if v := os.Getenv("CHECKBENCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CHECKBENCH_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:8000"
	}
	if c.Server.MaxRequestBytes <= 0 {
		c.Server.MaxRequestBytes = 8 << 20
	}
	if len(c.Tools.Enabled) == 0 {
		c.Tools.Enabled = slices.Clone(DefaultTools)
	}
	if len(c.Tools.PythonVersions) == 0 {
		c.Tools.PythonVersions = slices.Clone(DefaultPythonVersions)
	}
	if c.Tools.DefaultPythonVersion == "" {
		c.Tools.DefaultPythonVersion = "3.12"
	}
	if c.Tools.UVX == "" {
		c.Tools.UVX = "uvx"
	}
	if c.Tools.Cargo == "" {
		c.Tools.Cargo = "cargo"
	}
	if c.Install.UV == "" {
		c.Install.UV = "uv"
	}
	if c.Sandbox.Type == "" {
		c.Sandbox.Type = "process"
	}
}

// ResolvedWorkspace returns the workspace root, resolving ~ if needed.
func (c *Config) ResolvedWorkspace() string {
	if c.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".checkbench", "workspace")
		}
		return filepath.Join(home, ".checkbench", "workspace")
	}
	resolved, err := resolvePath(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}
	if c.Tools.TimeoutSeconds < 0 {
		return fmt.Errorf("tools.timeout_seconds must not be negative")
	}
	if c.Install.TimeoutSeconds < 0 {
		return fmt.Errorf("install.timeout_seconds must not be negative")
	}
	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("sessions.max_sessions must not be negative")
	}
	seen := make(map[string]bool, len(c.Tools.Enabled))
	for i, name := range c.Tools.Enabled {
		if !slices.Contains(DefaultTools, name) {
			return fmt.Errorf("tools.enabled[%d]: unknown tool %q", i, name)
		}
		if seen[name] {
			return fmt.Errorf("tools.enabled[%d]: duplicate tool %q", i, name)
		}
		seen[name] = true
	}
	if !slices.Contains(c.Tools.PythonVersions, c.Tools.DefaultPythonVersion) {
		return fmt.Errorf("tools.default_python_version %q is not in tools.python_versions", c.Tools.DefaultPythonVersion)
	}
	switch c.Sandbox.Type {
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.Docker != nil && c.Sandbox.Docker.MemoryMB < 0 {
		return fmt.Errorf("sandbox.docker.memory_mb must not be negative")
	}
	switch c.StorageDriverName() {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set CHECKBENCH_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
	}
	if c.Server.RateLimit != nil && c.Server.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:8000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if !slices.Equal(cfg.Tools.Enabled, DefaultTools) {
		t.Errorf("Enabled = %v", cfg.Tools.Enabled)
	}
	if cfg.Tools.DefaultPythonVersion != "3.12" {
		t.Errorf("DefaultPythonVersion = %q", cfg.Tools.DefaultPythonVersion)
	}
	if cfg.Tools.Timeout() != 60*time.Second {
		t.Errorf("Timeout = %v", cfg.Tools.Timeout())
	}
	if cfg.Install.Timeout() != 300*time.Second {
		t.Errorf("install Timeout = %v", cfg.Install.Timeout())
	}
	if cfg.Sessions.IdleTimeout() != 30*time.Minute || cfg.Sessions.ReapInterval() != time.Minute {
		t.Errorf("sessions = %+v", cfg.Sessions)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("StorageDriverName = %q", cfg.StorageDriverName())
	}
	if cfg.Sandbox.Type != "process" {
		t.Errorf("Sandbox.Type = %q", cfg.Sandbox.Type)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "checkbench.yaml", `
log_level: debug
server:
  listen_addr: 0.0.0.0:9000
tools:
  enabled: [ty, mypy]
  timeout_seconds: 2.5
  cache:
    enabled: true
    size: 16
sessions:
  max_sessions: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if !slices.Equal(cfg.Tools.Enabled, []string{"ty", "mypy"}) {
		t.Errorf("Enabled = %v", cfg.Tools.Enabled)
	}
	if cfg.Tools.Timeout() != 2500*time.Millisecond {
		t.Errorf("Timeout = %v", cfg.Tools.Timeout())
	}
	if cfg.Tools.Cache == nil || cfg.Tools.Cache.Size != 16 || cfg.Tools.Cache.TTL() != 10*time.Minute {
		t.Errorf("Cache = %+v", cfg.Tools.Cache)
	}
	if cfg.Sessions.MaxSessions != 4 {
		t.Errorf("MaxSessions = %d", cfg.Sessions.MaxSessions)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "checkbench.json", `{"install": {"uv": "/opt/uv", "timeout_seconds": 10}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Install.UV != "/opt/uv" || cfg.Install.Timeout() != 10*time.Second {
		t.Errorf("Install = %+v", cfg.Install)
	}
}

func TestLoad_DockerUser(t *testing.T) {
	path := writeConfig(t, "checkbench.yaml", `
sandbox:
  type: docker
  docker:
    image: example/uv:1
    user: "1000:1000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Docker == nil || cfg.Sandbox.Docker.User != "1000:1000" {
		t.Errorf("Docker = %+v", cfg.Sandbox.Docker)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHECKBENCH_WORKSPACE", "/tmp/cb-ws")
	t.Setenv("CHECKBENCH_LISTEN_ADDR", ":7000")
	t.Setenv("CHECKBENCH_FIXED_DIR", "/srv/shared")
	path := writeConfig(t, "c.yaml", "server:\n  listen_addr: 127.0.0.1:1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, env must win", cfg.Server.ListenAddr)
	}
	if cfg.ResolvedWorkspace() != "/tmp/cb-ws" {
		t.Errorf("ResolvedWorkspace = %q", cfg.ResolvedWorkspace())
	}
	if cfg.Sessions.FixedDir != "/srv/shared" {
		t.Errorf("FixedDir = %q", cfg.Sessions.FixedDir)
	}
}

func TestLoad_PostgresDSNFromEnv(t *testing.T) {
	t.Setenv("CHECKBENCH_DB_DSN", "postgres://localhost/checkbench")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageDriverName() != "postgres" {
		t.Errorf("StorageDriverName = %q", cfg.StorageDriverName())
	}
	if cfg.Storage.Postgres.DSN != "postgres://localhost/checkbench" {
		t.Errorf("DSN = %q", cfg.Storage.Postgres.DSN)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "server: [", "parsing YAML"},
		{"unknown tool", "tools:\n  enabled: [pylint]\n", "unknown tool"},
		{"duplicate tool", "tools:\n  enabled: [ty, ty]\n", "duplicate tool"},
		{"default version not offered", "tools:\n  python_versions: ['3.11']\n", "default_python_version"},
		{"sandbox type", "sandbox:\n  type: vm\n", "sandbox.type"},
		{"storage driver", "storage:\n  driver: mongo\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn is required"},
		{"log level", "log_level: loud\n", "log_level"},
		{"negative timeout", "tools:\n  timeout_seconds: -1\n", "timeout_seconds"},
		{"tracing protocol", "observability:\n  tracing:\n    enabled: true\n    protocol: udp\n", "tracing.protocol"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", tc.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.LogLevel != "info" || cfg.Install.UV != "uv" || cfg.Tools.UVX != "uvx" || cfg.Tools.Cargo != "cargo" {
		t.Errorf("Default() = %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestMetricsPath(t *testing.T) {
	var m *MetricsConfig
	if m.MetricsPath() != "/metrics" {
		t.Errorf("nil MetricsPath = %q", m.MetricsPath())
	}
	m = &MetricsConfig{Path: "/prom"}
	if m.MetricsPath() != "/prom" {
		t.Errorf("MetricsPath = %q", m.MetricsPath())
	}
}

package toolchain

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/checkbench/internal/sandbox"
)

// Placeholders recorded by Probe when a tool reports no version.
const (
	// VersionNotInstalled means the launcher binary is missing.
	VersionNotInstalled = "not installed"
	// VersionUnavailable covers every other failure: nonzero exit, timeout,
	// empty output.
	VersionUnavailable = "unavailable"
)

// VersionTable holds the last known version string of each tool. It is
// written by Probe at startup and read concurrently by request handlers.
type VersionTable struct {
	mu       sync.RWMutex
	versions map[string]string
}

// NewVersionTable returns an empty table.
func NewVersionTable() *VersionTable {
	return &VersionTable{versions: make(map[string]string)}
}

// Set records the version of tool.
func (t *VersionTable) Set(tool, version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.versions[tool] = version
}

// Get returns the recorded version of tool, or "" if unknown.
func (t *VersionTable) Get(tool string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.versions[tool]
}

// Snapshot returns a copy of the table.
func (t *VersionTable) Snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.versions)
}

// Probe runs every spec's version command in parallel and records the first
// line of its output. Tools that are missing or fail are recorded with a
// placeholder so the table always has one entry per spec.
func (t *VersionTable) Probe(ctx context.Context, exec sandbox.Executor, specs []Spec, dir string, env map[string]string, timeout time.Duration, logger *slog.Logger) {
	var wg sync.WaitGroup
	for _, spec := range specs {
		wg.Add(1)
		go func(spec Spec) {
			defer wg.Done()
			version := probeOne(ctx, exec, spec, dir, env, timeout)
			t.Set(spec.Name, version)
			logger.Info("tool version",
				slog.String("tool", spec.Name),
				slog.String("version", version),
			)
		}(spec)
	}
	wg.Wait()
}

func probeOne(ctx context.Context, exec sandbox.Executor, spec Spec, dir string, env map[string]string, timeout time.Duration) string {
	res, err := exec.Execute(ctx, sandbox.ExecutionRequest{
		Command:    spec.VersionCommand,
		WorkingDir: dir,
		Env:        env,
		Timeout:    timeout,
	})
	if err != nil {
		if sandbox.CodeFor(err) == sandbox.CodeNotFound {
			return VersionNotInstalled
		}
		return VersionUnavailable
	}
	if res.ExitCode != 0 {
		return VersionUnavailable
	}
	if v := firstLine(res.Stdout); v != "" {
		return v
	}
	if v := firstLine(res.Stderr); v != "" {
		return v
	}
	return VersionUnavailable
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// Package workspace manages the checkbench runtime directory structure.
// Session sandboxes, the shared tool caches and the run history database are
// consolidated under a single workspace root.
//
// Default workspace: ~/.checkbench/workspace (configurable via config or
// CHECKBENCH_WORKSPACE).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".checkbench/workspace"

// Workspace manages all checkbench runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := w.ensureDir(resolved, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return w, nil
}

// Default creates a Workspace at ~/.checkbench/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// SessionsDir returns <root>/sessions/. Parent of every session sandbox.
func (w *Workspace) SessionsDir() string {
	return w.dir("sessions")
}

// SessionDir returns <root>/sessions/<id>/ without creating it; the
// materializer creates it on first write.
func (w *Workspace) SessionDir(id string) string {
	return filepath.Join(w.SessionsDir(), sanitizeName(id))
}

// ScratchDir returns a fresh directory under <root>/scratch/ for one-off
// runs (the check command).
func (w *Workspace) ScratchDir() (string, error) {
	return os.MkdirTemp(w.dir("scratch"), "run-")
}

// CacheDir returns <root>/cache/. Shared across sessions.
func (w *Workspace) CacheDir() string {
	return w.dir("cache")
}

// UVCacheDir returns <root>/cache/uv/.
func (w *Workspace) UVCacheDir() string {
	return w.dir(filepath.Join("cache", "uv"))
}

// UVToolDir returns <root>/cache/uv-tools/. Where uvx installs analyzers.
func (w *Workspace) UVToolDir() string {
	return w.dir(filepath.Join("cache", "uv-tools"))
}

// CargoTargetDir returns <root>/cache/cargo-target/. Build output for
// analyzers run from a local Rust checkout.
func (w *Workspace) CargoTargetDir() string {
	return w.dir(filepath.Join("cache", "cargo-target"))
}

// DataDir returns <root>/data/.
func (w *Workspace) DataDir() string {
	return w.dir("data")
}

// HistoryDBPath returns <root>/data/history.db.
func (w *Workspace) HistoryDBPath() string {
	return filepath.Join(w.DataDir(), "history.db")
}

// ToolEnv is the environment every uv/uvx invocation gets so that tool
// downloads are shared by all sessions.
func (w *Workspace) ToolEnv() map[string]string {
	return map[string]string{
		"UV_CACHE_DIR": w.UVCacheDir(),
		"UV_TOOL_DIR":  w.UVToolDir(),
	}
}

// CleanSessions removes every session sandbox left over from a previous run.
func (w *Workspace) CleanSessions() error {
	dir := filepath.Join(w.Root, "sessions")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading sessions dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing session %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	for _, d := range []string{
		filepath.Join(w.Root, "sessions"),
		filepath.Join(w.Root, "scratch"),
		filepath.Join(w.Root, "cache", "uv"),
		filepath.Join(w.Root, "cache", "uv-tools"),
		filepath.Join(w.Root, "cache", "cargo-target"),
		filepath.Join(w.Root, "data"),
	} {
		if err := w.ensureDir(d, 0o750); err != nil {
			return err
		}
	}
	return nil
}

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0o750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
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

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}

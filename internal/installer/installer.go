// Package installer prepares a sandbox's isolated Python environment and
// installs the requested packages into it with uv.
package installer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/checkbench/internal/sandbox"
)

const (
	defaultUV      = "uv"
	defaultTimeout = 300 * time.Second

	// markerName records, inside the environment, which requirement set was
	// last installed successfully.
	markerName = ".checkbench-requirements"
)

// Result is the outcome of one installation attempt.
type Result struct {
	Ran          bool     `json:"ran"`
	Command      string   `json:"command"`
	ReturnCode   int      `json:"returncode"`
	DurationMs   int64    `json:"duration_ms"`
	Output       string   `json:"output"`
	Dependencies []string `json:"dependencies"`
}

// OK reports whether tools may run against the sandbox.
func (r *Result) OK() bool { return r.ReturnCode == 0 }

// Config configures an Installer.
type Config struct {
	UV      string            // uv binary (default "uv").
	Timeout time.Duration     // Per-step timeout.
	Env     map[string]string // Extra environment (UV_CACHE_DIR, ...).
}

// Options are the per-request knobs.
type Options struct {
	PythonVersion string
	// Refresh deletes any existing environment before installing.
	Refresh bool
}

// Installer runs `uv venv` and `uv pip install` through an Executor.
type Installer struct {
	executor sandbox.Executor
	uv       string
	timeout  time.Duration
	env      map[string]string
	logger   *slog.Logger
}

// New creates an Installer.
func New(executor sandbox.Executor, cfg Config, logger *slog.Logger) *Installer {
	if cfg.UV == "" {
		cfg.UV = defaultUV
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Installer{
		executor: executor,
		uv:       cfg.UV,
		timeout:  cfg.Timeout,
		env:      cfg.Env,
		logger:   logger,
	}
}

// EnvDir returns the environment directory of the sandbox at dir.
func EnvDir(dir string) string {
	return filepath.Join(dir, sandbox.EnvDirName)
}

// Install ensures an environment exists under dir and that packages are
// installed into it. An empty package list is a no-op success and creates
// nothing. Failures are reported in the Result, never as an error: a
// missing uv binary yields -1, a timeout -2, otherwise the failing step's
// exit code. Either step failing stops the installation.
func (i *Installer) Install(ctx context.Context, dir string, packages []string, opts Options) *Result {
	start := time.Now()
	result := &Result{Dependencies: slices.Clone(packages)}
	if result.Dependencies == nil {
		result.Dependencies = []string{}
	}
	envDir := EnvDir(dir)

	if opts.Refresh {
		if err := os.RemoveAll(envDir); err != nil {
			return i.internalFailure(result, start, fmt.Errorf("remove environment: %w", err))
		}
	}
	if len(packages) == 0 {
		return result
	}

	want := requirementSet(opts.PythonVersion, packages)
	pipCmd := i.pipCommand(envDir, packages)
	if current, err := os.ReadFile(filepath.Join(envDir, markerName)); err == nil && string(current) == want {
		result.Command = strings.Join(pipCmd, " ")
		result.Output = "Environment already satisfies the requested dependencies.\n"
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	result.Ran = true
	var out strings.Builder
	var commands []string

	if !venvMatches(envDir, opts.PythonVersion) {
		if err := os.RemoveAll(envDir); err != nil {
			return i.internalFailure(result, start, fmt.Errorf("remove environment: %w", err))
		}
		venvCmd := []string{i.uv, "venv", envDir}
		if opts.PythonVersion != "" {
			venvCmd = append(venvCmd, "--python", opts.PythonVersion)
		}
		commands = append(commands, strings.Join(venvCmd, " "))
		if code := i.step(ctx, dir, venvCmd, &out); code != 0 {
			return i.finish(result, start, commands, &out, code)
		}
	}

	// A partial install must not be mistaken for a complete one later.
	_ = os.Remove(filepath.Join(envDir, markerName))

	commands = append(commands, strings.Join(pipCmd, " "))
	if code := i.step(ctx, dir, pipCmd, &out); code != 0 {
		return i.finish(result, start, commands, &out, code)
	}

	if err := os.WriteFile(filepath.Join(envDir, markerName), []byte(want), 0o644); err != nil {
		i.logger.Warn("failed to write requirements marker",
			slog.String("dir", envDir),
			slog.String("error", err.Error()),
		)
	}
	return i.finish(result, start, commands, &out, 0)
}

func (i *Installer) pipCommand(envDir string, packages []string) []string {
	cmd := []string{i.uv, "pip", "install", "--python", filepath.Join(envDir, "bin", "python")}
	return append(cmd, packages...)
}

// step runs one command and appends its transcript to out. It returns the
// step's return code, with sentinels for orchestration failures.
func (i *Installer) step(ctx context.Context, dir string, argv []string, out *strings.Builder) int {
	fmt.Fprintf(out, "$ %s\n", strings.Join(argv, " "))

	res, err := i.executor.Execute(ctx, sandbox.ExecutionRequest{
		Command:    argv,
		WorkingDir: dir,
		Env:        i.env,
		Timeout:    i.timeout,
	})
	if res != nil {
		out.WriteString(res.Stdout)
		out.WriteString(res.Stderr)
	}
	if err != nil {
		out.WriteString(sandbox.FailureOutput(err, argv, i.timeout))
		out.WriteString("\n")
		return sandbox.CodeFor(err)
	}
	return res.ExitCode
}

func (i *Installer) finish(result *Result, start time.Time, commands []string, out *strings.Builder, code int) *Result {
	result.Command = strings.Join(commands, " && ")
	result.ReturnCode = code
	result.Output = out.String()
	result.DurationMs = time.Since(start).Milliseconds()

	level := slog.LevelInfo
	if code != 0 {
		level = slog.LevelWarn
	}
	i.logger.Log(context.Background(), level, "dependency install finished",
		slog.Int("returncode", code),
		slog.Int("packages", len(result.Dependencies)),
		slog.Int64("duration_ms", result.DurationMs),
	)
	return result
}

func (i *Installer) internalFailure(result *Result, start time.Time, err error) *Result {
	result.ReturnCode = sandbox.CodeInternal
	result.Output = err.Error() + "\n"
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// requirementSet is the marker content for a Python version and package list.
// Package order does not matter.
func requirementSet(version string, packages []string) string {
	sorted := slices.Clone(packages)
	slices.Sort(sorted)
	return "python=" + version + "\n" + strings.Join(sorted, "\n") + "\n"
}

// venvMatches reports whether envDir holds an environment created for
// version. An empty version accepts any existing environment.
func venvMatches(envDir, version string) bool {
	f, err := os.Open(filepath.Join(envDir, "pyvenv.cfg"))
	if err != nil {
		return false
	}
	defer f.Close()
	if version == "" {
		return true
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key != "version" && key != "version_info" {
			continue
		}
		value = strings.TrimSpace(value)
		return value == version || strings.HasPrefix(value, version+".")
	}
	return false
}

// ErrInvalidDependency is returned by ParseDependencies for entries that
// would be interpreted as installer options.
var ErrInvalidDependency = errors.New("invalid dependency")

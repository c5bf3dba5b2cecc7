package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 2.0
	defaultDockerMemoryMB  = 2048
	defaultDockerImage     = "ghcr.io/astral-sh/uv:python3.12-bookworm"

	// exitCommandNotFound is what the container runtime reports when the
	// entrypoint binary does not exist in the image.
	exitCommandNotFound = 127
)

// DockerConfig configures the Docker-based executor.
type DockerConfig struct {
	Binary         string        // Docker CLI (default "docker").
	Image          string        // Image carrying uv, uvx and the Python toolchain.
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit.
	NetworkAllowed bool          // false = --network=none. uvx needs the network on a cold cache.
	// User is the --user value. Empty runs as the calling process's uid:gid
	// so that files written into bind mounts stay removable by the server.
	User string
	// Mounts are host directories bind-mounted read-write at the same path
	// inside the container, typically the workspace root so that sandbox and
	// cache paths resolve identically on both sides.
	Mounts []string
}

// DockerExecutor runs each command in an ephemeral container.
//
//   - Each execution gets its own container (--rm, plus deferred docker rm -f)
//   - All Linux capabilities dropped, privilege escalation blocked
//   - Memory, CPU and PIDs limited
//   - stdout/stderr capped on the host side
type DockerExecutor struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerExecutor creates a Docker-based executor.
func NewDockerExecutor(cfg DockerConfig, logger *slog.Logger) *DockerExecutor {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.User == "" {
		cfg.User = hostUser()
	}
	return &DockerExecutor{
		config: cfg,
		logger: logger,
	}
}

// Execute runs req.Command inside a fresh container.
func (s *DockerExecutor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName := "checkbench-" + uuid.NewString()[:13]
	args := s.buildDockerArgs(containerName, req)
	args = append(args, req.Command...)

	cmd := exec.CommandContext(ctx, s.config.Binary, args...)
	// Killing the client makes the daemon stop the container; the deferred
	// rm -f below covers the cases where it does not.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = defaultWaitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	s.logger.Debug("docker executing",
		slog.String("container", containerName),
		slog.String("image", s.config.Image),
		slog.Any("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	s.forceRemoveContainer(containerName)

	result := &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}
	if runErr != nil {
		if isNotFound(runErr) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, s.config.Binary, runErr)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("docker timed out",
				slog.String("container", containerName),
				slog.Duration("timeout", timeout),
			)
			result.ExitCode = CodeTimeout
			return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
		if exitErr.ExitCode() == exitCommandNotFound {
			return nil, fmt.Errorf("%w: %s (in %s)", ErrNotFound, req.Command[0], s.config.Image)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	s.logger.Debug("docker completed",
		slog.String("container", containerName),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
	)
	return result, nil
}

// buildDockerArgs constructs the docker run argument list. The command itself
// is NOT included; the caller appends it after the image.
func (s *DockerExecutor) buildDockerArgs(name string, req ExecutionRequest) []string {
	memoryFlag := strconv.Itoa(s.config.MemoryMB) + "m"

	args := []string{
		"run", "--rm",
		"--name", name,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(s.config.PIDsLimit),
		"--env", "NO_COLOR=1",
	}

	if s.config.User != "" {
		// An arbitrary uid has no home directory inside the image.
		args = append(args, "--user="+s.config.User, "--env", "HOME=/tmp")
	}

	if s.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for _, m := range s.config.Mounts {
		args = append(args, "--volume", m+":"+m)
	}
	if req.WorkingDir != "" {
		args = append(args, "--workdir", req.WorkingDir)
	}

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+req.Env[k])
	}

	return append(args, s.config.Image)
}

// hostUser returns "uid:gid" of the current process, or "" where the
// platform has no numeric ids.
func hostUser() string {
	uid, gid := os.Getuid(), os.Getgid()
	if uid < 0 || gid < 0 {
		return ""
	}
	return strconv.Itoa(uid) + ":" + strconv.Itoa(gid)
}

// forceRemoveContainer is best-effort cleanup for containers --rm missed
// (OOM kill, daemon restart, cancel race).
func (s *DockerExecutor) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.config.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Debug("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
}

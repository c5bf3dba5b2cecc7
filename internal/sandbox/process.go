package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty analyzers.
	maxOutputBytes = 4 << 20 // 4 MB

	defaultTimeout   = 120 * time.Second
	defaultWaitDelay = 2 * time.Second
)

// ProcessConfig configures the process executor.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
	// Env is applied on top of the host environment for every command,
	// before the request's own Env.
	Env map[string]string
}

// ProcessExecutor runs commands as direct child processes of the server.
//
// Guarantees:
//   - Each command runs in its own process group (Setpgid)
//   - The entire process group is killed on timeout, so analyzers that fork
//     language servers or node workers do not linger
//   - stdout/stderr are capped
//   - Wait returns at most defaultWaitDelay after the kill even if a
//     grandchild still holds the output pipes
//
// The host environment is inherited: the analyzers are launched through uvx
// and cargo, which need the user's PATH and HOME.
type ProcessExecutor struct {
	defaultTimeout time.Duration
	maxOutput      int
	env            map[string]string
	logger         *slog.Logger
}

// NewProcessExecutor creates a process-based executor.
func NewProcessExecutor(cfg ProcessConfig, logger *slog.Logger) *ProcessExecutor {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = maxOutputBytes
	}
	return &ProcessExecutor{
		defaultTimeout: timeout,
		maxOutput:      maxOutput,
		env:            cfg.Env,
		logger:         logger,
	}
}

// Execute runs the command in req.WorkingDir and waits for it to exit.
func (s *ProcessExecutor) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), s.env, req.Env)

	// Process group isolation: the child and everything it spawns share a group.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = defaultWaitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: s.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: s.maxOutput}

	s.logger.Debug("process executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}

	if runErr != nil {
		if isNotFound(runErr) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, req.Command[0], runErr)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("process timed out",
				slog.String("program", req.Command[0]),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			result.ExitCode = CodeTimeout
			return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}

		// Non-zero exit code is not an error, it's a result.
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	s.logger.Debug("process completed",
		slog.String("program", req.Command[0]),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	return result, nil
}

// isNotFound reports whether err means the program could not be started
// because it does not exist.
func isNotFound(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, fs.ErrNotExist) {
		return true
	}
	return false
}

// mergeEnv returns base with each overlay applied in order. Later keys win.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	n := 0
	for _, o := range overlays {
		n += len(o)
	}
	if n == 0 {
		return base
	}

	merged := make(map[string]string, n)
	for _, o := range overlays {
		for k, v := range o {
			merged[k] = v
		}
	}

	env := make([]string, 0, len(base)+len(merged))
	for _, kv := range base {
		key := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key = kv[:i]
				break
			}
		}
		if _, overridden := merged[key]; overridden {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

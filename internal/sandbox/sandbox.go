// Package sandbox owns the on-disk side of an analysis: it materializes a
// session's files into a project directory and runs external commands
// (installers, type checkers) against that directory.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel return codes for failures that happen around a command rather
// than inside it. Real exit codes are never negative.
const (
	CodeNotFound = -1
	CodeTimeout  = -2
	CodeInternal = -3
)

var (
	// ErrNotFound is returned when the command's executable cannot be resolved.
	ErrNotFound = errors.New("executable not found")

	// ErrTimeout is returned when the command exceeded its timeout and was killed.
	ErrTimeout = errors.New("execution timed out")
)

// Executor runs one external command to completion.
//
// A command that starts and exits (with any exit code) is a result, not an
// error. Errors wrap ErrNotFound or ErrTimeout for the two orchestration-level
// failure classes; anything else is an internal failure. On ErrTimeout the
// returned result is non-nil and carries whatever output was captured.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["uvx", "mypy", "main.py"]).
	Command []string

	// WorkingDir is the directory the command runs in. Usually a session sandbox.
	WorkingDir string

	// Env is merged on top of the executor's base environment.
	Env map[string]string

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration
}

// CodeFor maps an Execute error to its sentinel return code.
func CodeFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// FailureOutput is the display text for a command that failed around its
// execution rather than inside it.
func FailureOutput(err error, argv []string, timeout time.Duration) string {
	switch CodeFor(err) {
	case CodeNotFound:
		return fmt.Sprintf("Command not found: %v", err)
	case CodeTimeout:
		secs := strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)
		return fmt.Sprintf("Timed out after %ss: %s", secs, strings.Join(argv, " "))
	default:
		return fmt.Sprintf("Internal error: %v", err)
	}
}

// ExecutionResult captures the outcome of a command.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

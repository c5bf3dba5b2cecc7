// Package runner fans a set of tool commands out to child processes and
// fans their results back in, either as a keyed batch or as a stream in
// completion order.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/checkbench/internal/normalize"
	"github.com/jkaninda/checkbench/internal/sandbox"
	"github.com/jkaninda/checkbench/internal/toolchain"
)

const defaultToolTimeout = 120 * time.Second

// Result is the normalized outcome of one tool run.
type Result struct {
	Tool       string `json:"tool"`
	Command    string `json:"command"`
	ReturnCode int    `json:"returncode"`
	DurationMs int64  `json:"duration_ms"`
	Output     string `json:"output"`
	Cached     bool   `json:"cached"`
}

// Batch is one set of commands to run against a sandbox.
type Batch struct {
	Dir      string
	Commands []toolchain.Command
	// Timeout applies to each command separately, from its own launch.
	Timeout time.Duration
	// Fingerprint identifies the sandbox content the commands see. Empty
	// disables the result cache for this batch.
	Fingerprint string
}

// Options configures a Coordinator. Every field is optional.
type Options struct {
	Cache  *ResultCache
	Tracer trace.Tracer
	Logger *slog.Logger
}

// Coordinator runs tool commands in parallel through an Executor.
type Coordinator struct {
	executor sandbox.Executor
	cache    *ResultCache
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates a Coordinator.
func New(executor sandbox.Executor, opts Options) *Coordinator {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		executor: executor,
		cache:    opts.Cache,
		tracer:   tracer,
		logger:   logger,
	}
}

// Stream launches every command at once and returns a channel that yields
// each result as soon as its command finishes, then closes. The channel is
// buffered for the whole batch, so workers never block on a reader that has
// gone away; a caller may stop receiving at any point and the remaining
// processes still run to completion.
//
// Children are detached from ctx cancellation: a caller that disappears
// stops delivery, not the tools. Only each command's own timeout kills it.
func (c *Coordinator) Stream(ctx context.Context, b Batch) <-chan Result {
	out := make(chan Result, len(b.Commands))
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	runCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, cmd := range b.Commands {
		wg.Add(1)
		go func(cmd toolchain.Command) {
			defer wg.Done()
			out <- c.runOne(runCtx, b, cmd, timeout)
		}(cmd)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Run launches every command at once and waits for all of them.
func (c *Coordinator) Run(ctx context.Context, b Batch) map[string]Result {
	results := make(map[string]Result, len(b.Commands))
	for r := range c.Stream(ctx, b) {
		results[r.Tool] = r
	}
	return results
}

// runOne never panics and never returns without a result.
func (c *Coordinator) runOne(ctx context.Context, b Batch, cmd toolchain.Command, timeout time.Duration) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("tool worker panicked",
				slog.String("tool", cmd.Tool),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = Result{
				Tool:       cmd.Tool,
				Command:    cmd.String(),
				ReturnCode: sandbox.CodeInternal,
				DurationMs: time.Since(start).Milliseconds(),
				Output:     fmt.Sprintf("Internal error: %v", r),
			}
		}
	}()

	var key string
	if c.cache != nil && b.Fingerprint != "" && !cmd.FromSource {
		key = cacheKey(cmd, b.Fingerprint)
		if hit, ok := c.cache.Get(key); ok {
			hit.Cached = true
			return hit
		}
	}

	ctx, span := c.tracer.Start(ctx, "tool.run", trace.WithAttributes(
		attribute.String("tool.name", cmd.Tool),
		attribute.Bool("tool.from_source", cmd.FromSource),
	))
	defer span.End()

	result = Result{Tool: cmd.Tool, Command: cmd.String()}
	res, err := c.executor.Execute(ctx, sandbox.ExecutionRequest{
		Command:    cmd.Argv,
		WorkingDir: b.Dir,
		Env:        cmd.Env,
		Timeout:    timeout,
	})
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		result.ReturnCode = sandbox.CodeFor(err)
		result.Output = sandbox.FailureOutput(err, cmd.Argv, timeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		result.ReturnCode = res.ExitCode
		result.Output = normalize.Normalize(cmd.Tool, res.Stdout, res.Stderr, b.Dir)
		if key != "" {
			c.cache.Add(key, result)
		}
	}
	span.SetAttributes(attribute.Int("tool.returncode", result.ReturnCode))

	c.logger.Debug("tool finished",
		slog.String("tool", cmd.Tool),
		slog.Int("returncode", result.ReturnCode),
		slog.Int64("duration_ms", result.DurationMs),
	)
	return result
}

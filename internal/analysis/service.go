// Package analysis turns a client request into one analysis run: it picks
// the session, lays out the project, prepares its environment, runs the
// enabled analyzers and streams their results back.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/checkbench/internal/history"
	"github.com/jkaninda/checkbench/internal/installer"
	"github.com/jkaninda/checkbench/internal/observability"
	"github.com/jkaninda/checkbench/internal/runner"
	"github.com/jkaninda/checkbench/internal/sandbox"
	"github.com/jkaninda/checkbench/internal/session"
	"github.com/jkaninda/checkbench/internal/toolchain"
)

const (
	maxHistoryLimit = 100
	resolveAttempts = 3
)

// InstallError reports a failed dependency installation. Nothing has been
// streamed when it is returned.
type InstallError struct {
	Result *installer.Result
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("dependency installation failed (exit code %d)", e.Result.ReturnCode)
}

// Options wires a Service. Sessions, Installer, Coordinator and Registry
// are required.
type Options struct {
	Sessions    *session.Registry
	Installer   *installer.Installer
	Coordinator *runner.Coordinator
	Registry    *toolchain.Registry
	Versions    *toolchain.VersionTable
	History     history.Store
	Metrics     *observability.MetricsCollector
	Anomaly     *observability.AnomalyDetector
	Tracer      trace.Tracer
	Logger      *slog.Logger

	PythonVersions  Versions
	ToolTimeout     time.Duration
	ToolEnv         map[string]string
	CargoTargetRoot string
}

// Service runs analyses.
type Service struct {
	sessions    *session.Registry
	installer   *installer.Installer
	coordinator *runner.Coordinator
	registry    *toolchain.Registry
	versions    *toolchain.VersionTable
	history     history.Store
	metrics     *observability.MetricsCollector
	anomaly     *observability.AnomalyDetector
	tracer      trace.Tracer
	logger      *slog.Logger

	pythonVersions  Versions
	toolTimeout     time.Duration
	toolEnv         map[string]string
	cargoTargetRoot string
	now             func() time.Time
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	s := &Service{
		sessions:        opts.Sessions,
		installer:       opts.Installer,
		coordinator:     opts.Coordinator,
		registry:        opts.Registry,
		versions:        opts.Versions,
		history:         opts.History,
		metrics:         opts.Metrics,
		anomaly:         opts.Anomaly,
		tracer:          opts.Tracer,
		logger:          opts.Logger,
		pythonVersions:  opts.PythonVersions,
		toolTimeout:     opts.ToolTimeout,
		toolEnv:         opts.ToolEnv,
		cargoTargetRoot: opts.CargoTargetRoot,
		now:             time.Now,
	}
	if s.versions == nil {
		s.versions = toolchain.NewVersionTable()
	}
	if s.history == nil {
		s.history = history.Nop{}
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID          uuid.UUID
	SessionID      string
	SessionCreated bool
	Install        *installer.Result
	// Results are in completion order.
	Results []runner.Result
	// Disconnected is set when the sink failed before the run finished.
	Disconnected bool
	Duration     time.Duration
}

// Prepare validates req against this service's tools and Python versions.
func (s *Service) Prepare(req *Request) (*RunConfig, error) {
	return req.Validate(s.registry, s.pythonVersions)
}

// Analyze runs cfg in the session identified by clientID (a new one when
// clientID is empty or unknown) and sends metadata, one result per tool in
// completion order, then done. The session stays locked for the whole run,
// including after a sink failure, until every tool has exited.
func (s *Service) Analyze(ctx context.Context, clientID string, cfg *RunConfig, sink Sink) (*Outcome, error) {
	start := s.now()
	sess, created, err := s.acquire(clientID)
	if err != nil {
		return nil, err
	}
	defer sess.Unlock()

	ctx, span := s.tracer.Start(ctx, "analysis.run",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.StringSlice("tools", cfg.ToolNames()),
			attribute.String("python.version", cfg.PythonVersion),
			attribute.Int("files", len(cfg.Files)),
		))
	defer span.End()

	if err := sandbox.Materialize(sess.Dir, cfg.Files, true); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "materialize failed")
		if errors.Is(err, sandbox.ErrInvalidPath) {
			return nil, &ValidationError{Message: err.Error(), Err: err}
		}
		return nil, fmt.Errorf("materializing sandbox: %w", err)
	}

	install := s.install(ctx, sess.Dir, cfg)
	if !install.OK() {
		span.SetStatus(codes.Error, "install failed")
		return nil, &InstallError{Result: install}
	}

	envDir := ""
	if len(cfg.Dependencies) > 0 {
		envDir = installer.EnvDir(sess.Dir)
	}
	commands, err := s.commands(cfg, envDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		return nil, err
	}

	out := &Outcome{
		RunID:          uuid.New(),
		SessionID:      sess.ID,
		SessionCreated: created,
		Install:        install,
	}
	deliver := func(r Record) {
		if out.Disconnected {
			return
		}
		if err := sink.Send(r); err != nil {
			out.Disconnected = true
			s.logger.Debug("client went away, draining run",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	deliver(Metadata{
		Type:           TypeMetadata,
		SessionID:      sess.ID,
		SessionCreated: created,
		Tools:          cfg.ToolNames(),
		PythonVersion:  cfg.PythonVersion,
		Dependencies:   install.Dependencies,
		ToolVersions:   s.toolVersions(cfg),
		ToolSources:    cfg.ToolSources,
		Install:        install,
		SandboxDir:     s.sessions.FixedDir(),
	})

	batch := runner.Batch{
		Dir:         sess.Dir,
		Commands:    commands,
		Timeout:     s.toolTimeout,
		Fingerprint: runner.Fingerprint(cfg.Files, cfg.PythonVersion, strings.Join(cfg.Dependencies, "\n"), envDir),
	}
	for r := range s.coordinator.Stream(ctx, batch) {
		s.observe(r)
		out.Results = append(out.Results, r)
		deliver(ResultRecord{Type: TypeResult, Result: r})
	}

	out.Duration = s.now().Sub(start)
	deliver(Done{
		Type:       TypeDone,
		SessionID:  sess.ID,
		RunID:      out.RunID.String(),
		Completed:  len(out.Results),
		DurationMs: out.Duration.Milliseconds(),
	})
	span.SetAttributes(attribute.Bool("client.disconnected", out.Disconnected))

	s.record(context.WithoutCancel(ctx), cfg, out, start)
	s.logger.Info("analysis finished",
		slog.String("session_id", sess.ID),
		slog.Int("tools", len(out.Results)),
		slog.Duration("duration", out.Duration),
		slog.Bool("disconnected", out.Disconnected),
	)
	return out, nil
}

// acquire resolves and locks a session. A session reaped between Resolve
// and Lock is given up and resolved again.
func (s *Service) acquire(clientID string) (*session.Session, bool, error) {
	for range resolveAttempts {
		sess, created, err := s.sessions.Resolve(clientID)
		if err != nil {
			return nil, false, err
		}
		sess.Lock()
		if !sess.Closed() {
			return sess, created, nil
		}
		sess.Unlock()
	}
	return nil, false, fmt.Errorf("session %q closed while waiting for it", clientID)
}

// install runs detached from ctx cancellation, like the analyzers.
func (s *Service) install(ctx context.Context, dir string, cfg *RunConfig) *installer.Result {
	ctx, span := s.tracer.Start(ctx, "install",
		trace.WithAttributes(
			attribute.StringSlice("dependencies", cfg.Dependencies),
			attribute.Bool("refresh", cfg.RefreshEnvironment),
		))
	defer span.End()

	res := s.installer.Install(context.WithoutCancel(ctx), dir, cfg.Dependencies, installer.Options{
		PythonVersion: cfg.PythonVersion,
		Refresh:       cfg.RefreshEnvironment,
	})
	span.SetAttributes(
		attribute.Bool("install.ran", res.Ran),
		attribute.Int("install.returncode", res.ReturnCode),
	)
	if res.Ran {
		s.metrics.RecordInstall(res.ReturnCode, float64(res.DurationMs)/1000)
	}
	if !res.OK() {
		span.SetStatus(codes.Error, "install failed")
		s.logger.Warn("dependency installation failed",
			slog.Int("returncode", res.ReturnCode),
			slog.Any("dependencies", cfg.Dependencies),
		)
	}
	return res
}

func (s *Service) commands(cfg *RunConfig, envDir string) ([]toolchain.Command, error) {
	names := make([]string, len(cfg.Files))
	for i, f := range cfg.Files {
		names[i] = f.Name
	}
	commands := make([]toolchain.Command, 0, len(cfg.Tools))
	for _, spec := range cfg.Tools {
		cmd, err := toolchain.Build(spec, toolchain.BuildInput{
			EnvDir:          envDir,
			PythonVersion:   cfg.PythonVersion,
			Files:           names,
			SourceDir:       cfg.ToolSources[spec.Name],
			Env:             s.toolEnv,
			CargoTargetRoot: s.cargoTargetRoot,
		})
		if err != nil {
			return nil, fmt.Errorf("building %s command: %w", spec.Name, err)
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

func (s *Service) observe(r runner.Result) {
	s.metrics.RecordToolRun(r.Tool, r.ReturnCode, float64(r.DurationMs)/1000, r.Cached)
	if r.Cached {
		return
	}
	if r.ReturnCode < 0 {
		s.anomaly.RecordError("tool_" + r.Tool)
		return
	}
	s.anomaly.RecordSuccess("tool_" + r.Tool)
}

func (s *Service) toolVersions(cfg *RunConfig) map[string]string {
	all := s.versions.Snapshot()
	out := make(map[string]string, len(cfg.Tools))
	for _, t := range cfg.Tools {
		if v, ok := all[t.Name]; ok {
			out[t.Name] = v
		}
	}
	return out
}

func (s *Service) record(ctx context.Context, cfg *RunConfig, out *Outcome, start time.Time) {
	run := history.Run{
		ID:            out.RunID,
		SessionID:     out.SessionID,
		PythonVersion: cfg.PythonVersion,
		Tools:         cfg.ToolNames(),
		Dependencies:  slices.Clone(cfg.Dependencies),
		StartedAt:     start.UTC(),
		DurationMs:    out.Duration.Milliseconds(),
	}
	if out.Install.Ran {
		code := out.Install.ReturnCode
		run.InstallCode = &code
	}
	for _, r := range out.Results {
		run.Results = append(run.Results, history.ToolSummary{
			Tool:       r.Tool,
			ReturnCode: r.ReturnCode,
			DurationMs: r.DurationMs,
			Cached:     r.Cached,
		})
	}
	if err := s.history.Record(ctx, run); err != nil {
		s.logger.Warn("failed to record run",
			slog.String("session_id", out.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

// History lists the recent runs of a session, newest first.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]history.Run, error) {
	if limit <= 0 {
		limit = history.DefaultListLimit
	}
	limit = min(limit, maxHistoryLimit)
	runs, err := s.history.List(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Bootstrap is what the editor needs before its first request.
type Bootstrap struct {
	Files                []sandbox.File    `json:"files"`
	PythonVersions       []string          `json:"python_versions"`
	DefaultPythonVersion string            `json:"default_python_version"`
	Tools                []string          `json:"tools"`
	ToolVersions         map[string]string `json:"tool_versions"`
	SandboxDir           string            `json:"sandbox_dir,omitempty"`
}

// Bootstrap returns the editor's starting state.
func (s *Service) Bootstrap() Bootstrap {
	return Bootstrap{
		Files:                DefaultFiles(),
		PythonVersions:       slices.Clone(s.pythonVersions.Supported),
		DefaultPythonVersion: s.pythonVersions.Default,
		Tools:                s.registry.Names(),
		ToolVersions:         s.versions.Snapshot(),
		SandboxDir:           s.sessions.FixedDir(),
	}
}

// Health is the /api/health payload.
type Health struct {
	OK          bool     `json:"ok"`
	Tools       []string `json:"tools"`
	Sessions    int      `json:"sessions"`
	SandboxRoot string   `json:"sandbox_root"`
	TempDir     string   `json:"temp_dir,omitempty"`
}

// Health reports the service state.
func (s *Service) Health() Health {
	return Health{
		OK:          true,
		Tools:       s.registry.Names(),
		Sessions:    s.sessions.Len(),
		SandboxRoot: s.sessions.Root(),
		TempDir:     s.sessions.FixedDir(),
	}
}

// Registry returns the enabled tools.
func (s *Service) Registry() *toolchain.Registry { return s.registry }

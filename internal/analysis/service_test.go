package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/checkbench/internal/history"
	"github.com/jkaninda/checkbench/internal/installer"
	"github.com/jkaninda/checkbench/internal/observability"
	"github.com/jkaninda/checkbench/internal/runner"
	"github.com/jkaninda/checkbench/internal/sandbox"
	"github.com/jkaninda/checkbench/internal/session"
	"github.com/jkaninda/checkbench/internal/toolchain"
)

// fakeUVX stands in for every analyzer: pyright prints an empty JSON report,
// the others echo their arguments.
const fakeUVX = `#!/bin/sh
tool="$1"
shift
case "$tool" in
  pyright)
    echo '{"generalDiagnostics": [], "summary": {"filesAnalyzed": 2, "errorCount": 0, "warningCount": 0, "informationCount": 0, "timeInSec": 0.1}}'
    ;;
  *)
    echo "$tool $*"
    ;;
esac
`

const fakeUV = `#!/bin/sh
case "$1" in
  venv)
    mkdir -p "$2/bin"
    printf 'home = /usr/bin\nversion_info = %s.4\n' "$4" > "$2/pyvenv.cfg"
    ;;
  pip)
    if [ -n "$FAKE_UV_FAIL" ]; then echo "No solution found when resolving dependencies" >&2; exit 1; fi
    echo "Installed packages"
    ;;
esac
`

type memoryHistory struct {
	mu   sync.Mutex
	runs []history.Run
}

func (m *memoryHistory) Record(_ context.Context, run history.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryHistory) List(_ context.Context, sessionID string, limit int) ([]history.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Run
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.runs[i].SessionID == sessionID {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

type harness struct {
	svc      *Service
	sessions *session.Registry
	history  *memoryHistory
	metrics  *observability.MetricsCollector
}

func newHarness(t *testing.T, env map[string]string) *harness {
	t.Helper()
	bin := t.TempDir()
	uvx := filepath.Join(bin, "uvx")
	uv := filepath.Join(bin, "uv")
	require.NoError(t, os.WriteFile(uvx, []byte(fakeUVX), 0o755))
	require.NoError(t, os.WriteFile(uv, []byte(fakeUV), 0o755))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := sandbox.NewProcessExecutor(sandbox.ProcessConfig{Env: env}, logger)
	registry, err := toolchain.NewRegistry(toolchain.DefaultSpecs(toolchain.Launchers{UVX: uvx}), nil)
	require.NoError(t, err)

	metrics := observability.NewMetricsCollector()
	sessions := session.NewRegistry(session.Config{Root: t.TempDir()}, logger, metrics)
	store := &memoryHistory{}

	versions := toolchain.NewVersionTable()
	versions.Set("mypy", "mypy 1.15.0")

	svc := NewService(Options{
		Sessions:       sessions,
		Installer:      installer.New(exec, installer.Config{UV: uv}, logger),
		Coordinator:    runner.New(exec, runner.Options{Logger: logger}),
		Registry:       registry,
		Versions:       versions,
		History:        store,
		Metrics:        metrics,
		Logger:         logger,
		PythonVersions: testVersions,
	})
	return &harness{svc: svc, sessions: sessions, history: store, metrics: metrics}
}

func (h *harness) prepare(t *testing.T, req *Request) *RunConfig {
	t.Helper()
	cfg, err := h.svc.Prepare(req)
	require.NoError(t, err)
	return cfg
}

func resultsOf(records []Record) []runner.Result {
	var out []runner.Result
	for _, r := range records {
		if rr, ok := r.(ResultRecord); ok {
			out = append(out, rr.Result)
		}
	}
	return out
}

func TestAnalyze_StreamsMetadataResultsDone(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.prepare(t, &Request{Files: DefaultFiles()})

	var sink Collector
	out, err := h.svc.Analyze(context.Background(), "", cfg, &sink)
	require.NoError(t, err)

	records := sink.Records()
	require.Len(t, records, 6)

	meta, ok := records[0].(Metadata)
	require.True(t, ok, "first record is metadata")
	assert.Equal(t, TypeMetadata, meta.Type)
	assert.Equal(t, out.SessionID, meta.SessionID)
	assert.True(t, meta.SessionCreated)
	assert.Equal(t, []string{"mypy", "pyright", "pyrefly", "ty"}, meta.Tools)
	assert.Equal(t, "3.12", meta.PythonVersion)
	assert.Equal(t, map[string]string{"mypy": "mypy 1.15.0"}, meta.ToolVersions)
	assert.False(t, meta.Install.Ran)

	done, ok := records[5].(Done)
	require.True(t, ok, "last record is done")
	assert.Equal(t, 4, done.Completed)
	assert.Equal(t, out.RunID.String(), done.RunID)

	results := resultsOf(records)
	require.Len(t, results, 4)
	seen := map[string]runner.Result{}
	for _, r := range results {
		assert.Equal(t, 0, r.ReturnCode, r.Output)
		seen[r.Tool] = r
	}
	assert.Len(t, seen, 4, "exactly one result per tool")
	assert.Contains(t, seen["pyright"].Output, "summary: files=2")
	assert.Contains(t, seen["mypy"].Output, "--python-version 3.12 helpers.py main.py")
	assert.NotContains(t, seen["mypy"].Command, "--python-executable", "no environment without dependencies")

	sess, ok := h.sessions.Lookup(out.SessionID)
	require.True(t, ok)
	got, err := sandbox.ReadTree(sess.Dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, DefaultFiles(), got)

	runs, err := h.svc.History(context.Background(), out.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.RunID, runs[0].ID)
	assert.Len(t, runs[0].Results, 4)
	assert.Nil(t, runs[0].InstallCode)
}

func TestAnalyze_ReusesSession(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.prepare(t, &Request{Files: DefaultFiles(), EnabledTools: []string{"mypy"}})

	first, err := h.svc.Analyze(context.Background(), "", cfg, &Collector{})
	require.NoError(t, err)
	assert.True(t, first.SessionCreated)

	cfg = h.prepare(t, &Request{
		Files:        []sandbox.File{{Name: "only.py", Content: "x: int = 1\n"}},
		EnabledTools: []string{"mypy"},
	})
	second, err := h.svc.Analyze(context.Background(), first.SessionID, cfg, &Collector{})
	require.NoError(t, err)
	assert.False(t, second.SessionCreated)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, h.sessions.Len())

	sess, _ := h.sessions.Lookup(second.SessionID)
	got, err := sandbox.ReadTree(sess.Dir)
	require.NoError(t, err)
	assert.Equal(t, []sandbox.File{{Name: "only.py", Content: "x: int = 1\n"}}, got, "stale files are removed")
}

func TestAnalyze_BindsEnvironmentWithDependencies(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.prepare(t, &Request{
		Files:        DefaultFiles(),
		Dependencies: []byte(`"requests"`),
		EnabledTools: []string{"mypy", "ty"},
	})

	out, err := h.svc.Analyze(context.Background(), "", cfg, &Collector{})
	require.NoError(t, err)
	require.True(t, out.Install.Ran)
	assert.Equal(t, []string{"requests"}, out.Install.Dependencies)

	envDir := filepath.Join(h.sessionDir(t, out.SessionID), sandbox.EnvDirName)
	for _, r := range out.Results {
		switch r.Tool {
		case "mypy":
			assert.Contains(t, r.Command, "--python-executable "+filepath.Join(envDir, "bin", "python"))
		case "ty":
			assert.Contains(t, r.Command, "--python "+envDir)
		}
	}

	runs, err := h.svc.History(context.Background(), out.SessionID, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.NotNil(t, runs[0].InstallCode)
	assert.Equal(t, 0, *runs[0].InstallCode)
}

func (h *harness) sessionDir(t *testing.T, id string) string {
	t.Helper()
	sess, ok := h.sessions.Lookup(id)
	require.True(t, ok)
	return sess.Dir
}

func TestAnalyze_InstallFailureSendsNothing(t *testing.T) {
	h := newHarness(t, map[string]string{"FAKE_UV_FAIL": "1"})
	cfg := h.prepare(t, &Request{Files: DefaultFiles(), Dependencies: []byte(`["nonexistent-pkg"]`)})

	var sink Collector
	out, err := h.svc.Analyze(context.Background(), "", cfg, &sink)
	assert.Nil(t, out)

	var ierr *InstallError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 1, ierr.Result.ReturnCode)
	assert.Contains(t, ierr.Result.Output, "No solution found")
	assert.Empty(t, sink.Records())
	assert.Empty(t, h.history.runs)
}

func TestAnalyze_SinkFailureDrainsRun(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.prepare(t, &Request{Files: DefaultFiles()})

	calls := 0
	sink := SinkFunc(func(r Record) error {
		calls++
		if r.RecordType() == TypeResult {
			return errors.New("broken pipe")
		}
		return nil
	})

	out, err := h.svc.Analyze(context.Background(), "", cfg, sink)
	require.NoError(t, err)
	assert.True(t, out.Disconnected)
	assert.Equal(t, 2, calls, "metadata and the first result only")
	assert.Len(t, out.Results, 4, "every tool still ran to completion")
	assert.Len(t, h.history.runs, 1)

	sess, ok := h.sessions.Lookup(out.SessionID)
	require.True(t, ok)
	require.True(t, sess.TryLock(), "session lock is released")
	sess.Unlock()
}

func TestAnalyze_CapacityError(t *testing.T) {
	h := newHarness(t, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc.sessions = session.NewRegistry(session.Config{Root: t.TempDir(), MaxSessions: 1}, logger, nil)

	busy, _, err := h.svc.sessions.Resolve("")
	require.NoError(t, err)
	busy.Lock()
	defer busy.Unlock()

	cfg := h.prepare(t, &Request{Files: DefaultFiles(), EnabledTools: []string{"mypy"}})
	_, err = h.svc.Analyze(context.Background(), "", cfg, &Collector{})
	assert.ErrorIs(t, err, session.ErrCapacity)
}

func TestBootstrapAndHealth(t *testing.T) {
	h := newHarness(t, nil)

	boot := h.svc.Bootstrap()
	assert.Equal(t, DefaultFiles(), boot.Files)
	assert.Equal(t, testVersions.Supported, boot.PythonVersions)
	assert.Equal(t, "3.12", boot.DefaultPythonVersion)
	assert.Equal(t, []string{"mypy", "pyright", "pyrefly", "ty"}, boot.Tools)
	assert.Empty(t, boot.SandboxDir)

	health := h.svc.Health()
	assert.True(t, health.OK)
	assert.Equal(t, 0, health.Sessions)
	assert.Equal(t, h.sessions.Root(), health.SandboxRoot)
	assert.Empty(t, health.TempDir)
}

func TestDefaultFiles_AreValid(t *testing.T) {
	files, err := sandbox.ValidateFiles(DefaultFiles())
	require.NoError(t, err)
	assert.Len(t, files, 2)
	for _, f := range files {
		assert.True(t, strings.HasSuffix(f.Name, ".py"))
	}
}

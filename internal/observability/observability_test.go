package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/checkbench/internal/config"
	"github.com/jkaninda/checkbench/internal/sandbox"
)

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, Resource{}, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Errorf("expected everything disabled, got %+v", obs)
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.Tracing() == nil {
		t.Error("Tracing() must return a no-op tracer when disabled")
	}
}

func TestNew_Enabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, Resource{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("metrics should be enabled")
	}
	if obs.Anomaly == nil {
		t.Error("anomaly detection should be enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Names(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordToolRun("mypy", 1, 0.5, false)
	m.RecordToolRun("ty", 0, 0, true)
	m.RecordInstall(0, 2)
	m.RecordDisconnect("ndjson")
	m.SessionsActive.Set(3)
	m.SessionsReapedTotal.Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/api/health", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"checkbench_tool_runs_total",
		"checkbench_tool_run_duration_seconds",
		"checkbench_result_cache_hits_total",
		"checkbench_install_total",
		"checkbench_install_duration_seconds",
		"checkbench_sessions_active",
		"checkbench_sessions_reaped_total",
		"checkbench_stream_disconnects_total",
		"checkbench_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestRecordToolRun(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordToolRun("mypy", 0, 1, false)
	m.RecordToolRun("mypy", 1, 1, false)
	m.RecordToolRun("mypy", 1, 0, true)
	m.RecordToolRun("mypy", -2, 5, false)

	if got := counterValue(t, m.Registry, "checkbench_tool_runs_total", prometheus.Labels{"tool": "mypy", "status": "findings"}); got != 2 {
		t.Errorf("findings = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "checkbench_tool_runs_total", prometheus.Labels{"tool": "mypy", "status": "timeout"}); got != 1 {
		t.Errorf("timeout = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "checkbench_result_cache_hits_total", prometheus.Labels{"tool": "mypy"}); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
}

func TestRecord_NilCollector(t *testing.T) {
	var m *MetricsCollector
	m.RecordToolRun("ty", 0, 1, false)
	m.RecordInstall(0, 1)
	m.RecordDisconnect("ws")
}

func TestRunStatus(t *testing.T) {
	tests := map[int]string{0: "ok", 1: "findings", 2: "findings", -1: "not_found", -2: "timeout", -3: "internal"}
	for code, want := range tests {
		if got := RunStatus(code); got != want {
			t.Errorf("RunStatus(%d) = %q, want %q", code, got, want)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("history", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("workspace", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["history"].Status != "fail" || status.Checks["history"].Message != "connection refused" {
		t.Errorf("history check = %+v", status.Checks["history"])
	}
	if status.Checks["workspace"].Status != "ok" {
		t.Errorf("workspace check = %q, want ok", status.Checks["workspace"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("broken", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.ErrorRate("test") != 0 {
		t.Error("nil detector should report zero")
	}
}

func TestAnomalyDetector_Threshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for range 4 {
		a.RecordSuccess("executor_process")
	}
	if a.RecordError("executor_process") {
		t.Error("1 of 5 failing must not trip a 50% threshold")
	}
	var tripped bool
	for range 5 {
		tripped = a.RecordError("executor_process")
	}
	if !tripped {
		t.Error("6 of 10 failing should trip a 50% threshold")
	}
	if got := a.ErrorRate("executor_process"); got != 0.6 {
		t.Errorf("ErrorRate = %v, want 0.6", got)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 10}, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.RecordError("op")
	now = now.Add(11 * time.Second)
	a.RecordSuccess("op")
	if got := a.ErrorRate("op"); got != 0 {
		t.Errorf("ErrorRate = %v, want 0 after the window passed", got)
	}
}

// --- InstrumentedExecutor ---

type mockExecutor struct {
	result *sandbox.ExecutionResult
	err    error
}

func (m *mockExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return m.result, m.err
}

func TestInstrumentedExecutor_Status(t *testing.T) {
	tests := []struct {
		name   string
		inner  *mockExecutor
		status string
	}{
		{"success", &mockExecutor{result: &sandbox.ExecutionResult{}}, "success"},
		{"findings", &mockExecutor{result: &sandbox.ExecutionResult{ExitCode: 1}}, "nonzero_exit"},
		{"missing", &mockExecutor{err: fmt.Errorf("uvx: %w", sandbox.ErrNotFound)}, "not_found"},
		{"timeout", &mockExecutor{result: &sandbox.ExecutionResult{ExitCode: sandbox.CodeTimeout}, err: sandbox.ErrTimeout}, "timeout"},
		{"other", &mockExecutor{err: errors.New("boom")}, "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			e := NewInstrumentedExecutor(tc.inner, "process", metrics, nil, nil)
			_, err := e.Execute(context.Background(), sandbox.ExecutionRequest{Command: []string{"uvx", "mypy"}})
			if !errors.Is(err, tc.inner.err) {
				t.Errorf("error = %v, want %v", err, tc.inner.err)
			}
			got := counterValue(t, metrics.Registry, "checkbench_executor_executions_total", prometheus.Labels{"type": "process", "status": tc.status})
			if got != 1 {
				t.Errorf("executions{status=%s} = %v, want 1", tc.status, got)
			}
		})
	}
}

func TestInstrumentedExecutor_FeedsAnomalyDetector(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	ok := NewInstrumentedExecutor(&mockExecutor{result: &sandbox.ExecutionResult{ExitCode: 1}}, "docker", nil, nil, a)
	bad := NewInstrumentedExecutor(&mockExecutor{err: sandbox.ErrNotFound}, "docker", nil, nil, a)

	_, _ = ok.Execute(context.Background(), sandbox.ExecutionRequest{})
	_, _ = bad.Execute(context.Background(), sandbox.ExecutionRequest{})
	if got := a.ErrorRate("executor_docker"); got != 0.5 {
		t.Errorf("ErrorRate = %v, want 0.5", got)
	}
}

// --- HTTP instrumentation ---

func TestInstrumentHandler(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := InstrumentHandler(metrics, nil, "/api/analyze", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/analyze", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "checkbench_http_requests_total", prometheus.Labels{"method": "POST", "path": "/api/analyze", "status_code": "400"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestInstrumentHandler_ImplicitOKAndFlush(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := InstrumentHandler(metrics, nil, "/stream", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}\n"))
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush: %v", err)
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))

	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
	val := counterValue(t, metrics.Registry, "checkbench_http_requests_total", prometheus.Labels{"method": "GET", "path": "/stream", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestInstrumentHandler_NilMetrics(t *testing.T) {
	handler := InstrumentHandler(nil, nil, "/x", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

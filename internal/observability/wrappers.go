package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/checkbench/internal/sandbox"
)

// InstrumentedExecutor wraps a sandbox.Executor with metrics, tracing, and
// failure rate detection.
type InstrumentedExecutor struct {
	inner        sandbox.Executor
	executorType string // "process" or "docker"
	metrics      *MetricsCollector
	tracer       trace.Tracer
	anomaly      *AnomalyDetector
}

// NewInstrumentedExecutor wraps an executor with observability. Any of
// metrics, ts and anomaly may be nil.
func NewInstrumentedExecutor(inner sandbox.Executor, executorType string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:        inner,
		executorType: executorType,
		metrics:      metrics,
		tracer:       tracer,
		anomaly:      anomaly,
	}
}

func (e *InstrumentedExecutor) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	program := ""
	if len(req.Command) > 0 {
		program = req.Command[0]
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.type", e.executorType),
				attribute.String("sandbox.program", program),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := e.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		status = "not_found"
	case errors.Is(err, sandbox.ErrTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		if e.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}
	if err != nil && e.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(e.executorType, status).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(e.executorType).Observe(duration)
	}

	// A nonzero exit is an analyzer reporting findings, not an executor fault.
	if err != nil {
		e.anomaly.RecordError("executor_" + e.executorType)
	} else {
		e.anomaly.RecordSuccess("executor_" + e.executorType)
	}

	return result, err
}

var _ sandbox.Executor = (*InstrumentedExecutor)(nil)

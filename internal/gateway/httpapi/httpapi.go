// Package httpapi implements the HTTP gateway for checkbench.
//
//   - GET  /                       editor page
//   - GET  /api/bootstrap          starter project and tool list
//   - GET  /api/health             service state
//   - POST /api/analyze            NDJSON result stream
//   - GET  /api/analyze/ws         WebSocket result stream
//   - GET  /api/sessions/{id}/runs run history
//
// Request bodies are size limited and strictly decoded. Analysis requests
// are rate limited per session. TLS is expected from a reverse proxy.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/checkbench/internal/analysis"
	"github.com/jkaninda/checkbench/internal/history"
	"github.com/jkaninda/checkbench/internal/observability"
	"github.com/jkaninda/checkbench/internal/ratelimit"
)

const (
	defaultMaxRequestSize = 8 << 20 // 8 MB

	// SessionHeader carries the session token in both directions.
	SessionHeader = "X-Session-ID"
)

// ErrorBody is the error response of every endpoint.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., "127.0.0.1:8000"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 8 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	service *analysis.Service
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// NewGateway creates an HTTP gateway. rl may be nil.
func NewGateway(cfg Config, svc *analysis.Service, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		service: svc,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "checkbench",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: result streams last as long as the slowest tool.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) routes() {
	metrics, tracer := g.config.Metrics, g.config.Tracer

	g.okapi.HandleStd("GET", "/", g.handleIndex)

	api := g.okapi.Group("/api", observability.MetricsMiddleware(metrics, tracer))
	api.Get("/bootstrap", g.handleBootstrap,
		okapi.DocSummary("Starter project, Python versions and tools"),
		okapi.DocTags("Editor"),
		okapi.DocResponse(analysis.Bootstrap{}),
	)
	api.Get("/health", g.handleAPIHealth,
		okapi.DocSummary("Service state"),
		okapi.DocTags("Editor"),
		okapi.DocResponse(analysis.Health{}),
	)
	api.Get("/sessions/{id}/runs", g.handleRuns,
		okapi.DocSummary("Recent analysis runs of a session"),
		okapi.DocTags("History"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(RunsResponse{}),
		okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
	)

	// Streaming endpoints write to the raw ResponseWriter.
	g.okapi.HandleStd("POST", "/api/analyze",
		observability.InstrumentHandler(metrics, tracer, "/api/analyze", http.HandlerFunc(g.handleAnalyze)).ServeHTTP)
	g.okapi.HandleStd("GET", "/api/analyze/ws",
		observability.InstrumentHandler(metrics, tracer, "/api/analyze/ws", http.HandlerFunc(g.handleAnalyzeWS)).ServeHTTP)

	// Observability endpoints.
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// --- JSON handlers ---

func (g *Gateway) handleBootstrap(c *okapi.Context) error {
	return c.OK(g.service.Bootstrap())
}

func (g *Gateway) handleAPIHealth(c *okapi.Context) error {
	return c.OK(g.service.Health())
}

// RunsResponse is the JSON response for GET /api/sessions/{id}/runs.
type RunsResponse struct {
	SessionID string        `json:"session_id"`
	Runs      []history.Run `json:"runs"`
}

func (g *Gateway) handleRuns(c *okapi.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("session id is required")
	}
	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	runs, err := g.service.History(c.Context(), id, limit)
	if err != nil {
		g.logger.Error("listing runs failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("listing runs failed")
	}
	return c.OK(RunsResponse{SessionID: id, Runs: runs})
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/checkbench/internal/analysis"
	"github.com/jkaninda/checkbench/internal/installer"
	"github.com/jkaninda/checkbench/internal/session"
)

const (
	wsRequestTimeout = 30 * time.Second
	wsWriteTimeout   = 10 * time.Second
	// wsSessionParam carries the session token for browsers, which cannot
	// set headers on a WebSocket handshake.
	wsSessionParam = "session_id"
)

// failureBody is the error response of the analysis endpoints.
type failureBody struct {
	Error   string            `json:"error"`
	Install *installer.Result `json:"install,omitempty"`
}

// classify maps an analysis error onto a status code and response body.
func (g *Gateway) classify(err error) (int, failureBody) {
	var maxErr *http.MaxBytesError
	var verr *analysis.ValidationError
	var ierr *analysis.InstallError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, failureBody{Error: fmt.Sprintf("Request body exceeds %d bytes", maxErr.Limit)}
	case errors.As(err, &verr):
		return http.StatusBadRequest, failureBody{Error: verr.Message}
	case errors.As(err, &ierr):
		return http.StatusUnprocessableEntity, failureBody{Error: "Dependency installation failed", Install: ierr.Result}
	case errors.Is(err, session.ErrCapacity):
		return http.StatusServiceUnavailable, failureBody{Error: "Too many active sessions, try again later"}
	default:
		g.logger.Error("analysis failed", slog.String("error", err.Error()))
		return http.StatusInternalServerError, failureBody{Error: fmt.Sprintf("Unexpected error: %v", err)}
	}
}

// allow applies the rate limit to the session, or to the remote address
// before a session exists.
func (g *Gateway) allow(clientID string, r *http.Request) bool {
	key := clientID
	if key == "" {
		key = remoteHost(r)
	}
	if err := g.limiter.Allow(key); err != nil {
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.Inc()
		}
		return false
	}
	return true
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- NDJSON ---

// handleAnalyze handles POST /api/analyze. Errors detected before the run
// starts get a status code; after that every record is a line of the
// 200 response.
func (g *Gateway) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.Header.Get(SessionHeader))
	if !g.allow(clientID, r) {
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: "Rate limit exceeded"})
		return
	}

	req, err := analysis.DecodeRequest(http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize))
	if err == nil {
		var cfg *analysis.RunConfig
		if cfg, err = g.service.Prepare(req); err == nil {
			sink := &ndjsonSink{ctx: r.Context(), w: w, rc: http.NewResponseController(w)}
			var out *analysis.Outcome
			if out, err = g.service.Analyze(r.Context(), clientID, cfg, sink); err == nil {
				if out.Disconnected {
					g.config.Metrics.RecordDisconnect("ndjson")
				}
				return
			}
		}
	}

	code, body := g.classify(err)
	writeJSON(w, code, body)
}

// ndjsonSink writes one JSON document per line and flushes after each.
// Headers go out with the first record, which is always the metadata.
type ndjsonSink struct {
	ctx     context.Context
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func (s *ndjsonSink) Send(rec analysis.Record) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "application/x-ndjson")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		if m, ok := rec.(analysis.Metadata); ok {
			h.Set(SessionHeader, m.SessionID)
		}
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.rc.Flush()
}

// --- WebSocket ---

// handleAnalyzeWS handles GET /api/analyze/ws. The first client message is
// the request; the server answers with the same records as the NDJSON
// endpoint, one per text message, or a single error record.
func (g *Gateway) handleAnalyzeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(g.config.MaxRequestSize)

	clientID := strings.TrimSpace(r.URL.Query().Get(wsSessionParam))
	if clientID == "" {
		clientID = strings.TrimSpace(r.Header.Get(SessionHeader))
	}

	readCtx, cancel := context.WithTimeout(r.Context(), wsRequestTimeout)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		g.logger.Debug("websocket request not received", slog.String("error", err.Error()))
		return
	}
	// From here on only control frames are expected; CloseRead handles them
	// and cancels ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	sink := &wsSink{ctx: ctx, conn: conn}

	if !g.allow(clientID, r) {
		_ = sink.Send(analysis.ErrorRecord{Type: analysis.TypeError, Error: "Rate limit exceeded"})
		conn.Close(websocket.StatusPolicyViolation, "rate limited")
		return
	}

	req, err := analysis.DecodeRequest(bytes.NewReader(data))
	if err == nil {
		var cfg *analysis.RunConfig
		if cfg, err = g.service.Prepare(req); err == nil {
			var out *analysis.Outcome
			if out, err = g.service.Analyze(ctx, clientID, cfg, sink); err == nil {
				if out.Disconnected {
					g.config.Metrics.RecordDisconnect("websocket")
					return
				}
				conn.Close(websocket.StatusNormalClosure, "done")
				return
			}
		}
	}

	_, body := g.classify(err)
	_ = sink.Send(analysis.ErrorRecord{Type: analysis.TypeError, Error: body.Error, Install: body.Install})
	conn.Close(websocket.StatusNormalClosure, "error")
}

type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *wsSink) Send(rec analysis.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

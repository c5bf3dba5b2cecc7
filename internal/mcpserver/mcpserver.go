// Package mcpserver exposes the analysis service as MCP tools over stdio, so
// an editor agent can type check a project without the HTTP gateway.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/checkbench/internal/analysis"
	"github.com/jkaninda/checkbench/internal/session"
	"github.com/jkaninda/checkbench/internal/toolchain"
)

const (
	ToolAnalyze = "analyze_project"
	ToolList    = "list_tools"
)

// Server is the MCP gateway. All calls of one server share a session so the
// dependency environment is reused between calls.
type Server struct {
	service *analysis.Service
	mcp     *server.MCPServer
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// New creates a Server and registers its tools.
func New(svc *analysis.Service, version string, logger *slog.Logger) *Server {
	s := &Server{
		service: svc,
		mcp:     server.NewMCPServer("checkbench", version, server.WithToolCapabilities(false)),
		logger:  logger,
	}

	s.mcp.AddTool(mcp.NewTool(ToolAnalyze,
		mcp.WithDescription("Type check a small Python project with mypy, pyright, pyrefly and ty. "+
			"Returns each tool's normalized output and exit code."),
		mcp.WithArray("files",
			mcp.Required(),
			mcp.Description("Project files as {name, content} objects; names are relative paths."),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"name", "content"},
			}),
		),
		mcp.WithString("dependencies",
			mcp.Description("Packages to install first, separated by commas or newlines, e.g. \"requests>=2.31, attrs\"."),
		),
		mcp.WithArray("enabledTools",
			mcp.Description("Subset of tools to run. Defaults to all."),
			mcp.WithStringItems(),
		),
		mcp.WithString("pythonVersion",
			mcp.Description("Target Python version, e.g. 3.12."),
		),
		mcp.WithBoolean("refreshEnvironment",
			mcp.Description("Recreate the dependency environment from scratch."),
		),
		mcp.WithObject("toolSources",
			mcp.Description("Run a tool from a local source checkout instead of the published release. "+
				"Maps tool name to an absolute directory on the server."),
			mcp.Properties(sourceProperties(svc.Registry())),
			mcp.AdditionalProperties(false),
		),
	), s.handleAnalyze)

	s.mcp.AddTool(mcp.NewTool(ToolList,
		mcp.WithDescription("List the available type checkers, their versions and the supported Python versions."),
	), s.handleList)

	return s
}

// sourceProperties lists the tools that can run from a local checkout.
func sourceProperties(registry *toolchain.Registry) map[string]any {
	props := make(map[string]any)
	for _, spec := range registry.Specs() {
		if spec.SupportsSource() {
			props[spec.Name] = map[string]any{"type": "string"}
		}
	}
	return props
}

// Start serves MCP over stdin/stdout until ctx is canceled or stdin closes.
func (s *Server) Start(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve serves MCP over the given streams.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Stop is a no-op; Start returns when its context is canceled.
func (s *Server) Stop(context.Context) error { return nil }

func (s *Server) handleAnalyze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError("arguments are not valid JSON"), nil
	}
	decoded, err := analysis.DecodeRequest(bytes.NewReader(raw))
	if err != nil {
		return mcp.NewToolResultError(message(err)), nil
	}
	cfg, err := s.service.Prepare(decoded)
	if err != nil {
		return mcp.NewToolResultError(message(err)), nil
	}

	s.mu.Lock()
	clientID := s.sessionID
	s.mu.Unlock()

	out, err := s.service.Analyze(ctx, clientID, cfg, &analysis.Collector{})
	if err != nil {
		var ierr *analysis.InstallError
		if errors.As(err, &ierr) {
			return mcp.NewToolResultError("Dependency installation failed:\n" + ierr.Result.Output), nil
		}
		if errors.Is(err, session.ErrCapacity) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		s.logger.Error("mcp analysis failed", slog.String("error", err.Error()))
		return nil, err
	}

	s.mu.Lock()
	s.sessionID = out.SessionID
	s.mu.Unlock()

	return mcp.NewToolResultText(analysis.FormatReport(out, cfg.ToolNames())), nil
}

// ListResult is the list_tools payload.
type ListResult struct {
	Tools                []string          `json:"tools"`
	ToolVersions         map[string]string `json:"tool_versions"`
	PythonVersions       []string          `json:"python_versions"`
	DefaultPythonVersion string            `json:"default_python_version"`
}

func (s *Server) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	boot := s.service.Bootstrap()
	data, err := json.MarshalIndent(ListResult{
		Tools:                boot.Tools,
		ToolVersions:         boot.ToolVersions,
		PythonVersions:       boot.PythonVersions,
		DefaultPythonVersion: boot.DefaultPythonVersion,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func message(err error) string {
	var verr *analysis.ValidationError
	if errors.As(err, &verr) {
		return verr.Message
	}
	return err.Error()
}

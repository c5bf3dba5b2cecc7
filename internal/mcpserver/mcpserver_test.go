package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/checkbench/internal/analysis"
	"github.com/jkaninda/checkbench/internal/installer"
	"github.com/jkaninda/checkbench/internal/runner"
	"github.com/jkaninda/checkbench/internal/sandbox"
	"github.com/jkaninda/checkbench/internal/session"
	"github.com/jkaninda/checkbench/internal/toolchain"
)

const fakeUVX = `#!/bin/sh
tool="$1"
shift
if [ "$tool" = "ty" ]; then echo "error[unresolved-reference]: undefined name"; exit 1; fi
echo "$tool: ok"
`

func newTestServer(t *testing.T) (*Server, *session.Registry) {
	t.Helper()
	bin := t.TempDir()
	uvx := filepath.Join(bin, "uvx")
	require.NoError(t, os.WriteFile(uvx, []byte(fakeUVX), 0o755))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := sandbox.NewProcessExecutor(sandbox.ProcessConfig{}, logger)
	registry, err := toolchain.NewRegistry(toolchain.DefaultSpecs(toolchain.Launchers{UVX: uvx}), nil)
	require.NoError(t, err)
	sessions := session.NewRegistry(session.Config{Root: t.TempDir()}, logger, nil)

	svc := analysis.NewService(analysis.Options{
		Sessions:       sessions,
		Installer:      installer.New(exec, installer.Config{UV: filepath.Join(bin, "uv")}, logger),
		Coordinator:    runner.New(exec, runner.Options{Logger: logger}),
		Registry:       registry,
		Logger:         logger,
		PythonVersions: analysis.Versions{Supported: []string{"3.12", "3.13"}, Default: "3.12"},
	})
	return New(svc, "test", logger), sessions
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func TestAnalyzeProject(t *testing.T) {
	srv, sessions := newTestServer(t)
	args := map[string]any{
		"files":        []any{map[string]any{"name": "main.py", "content": "print(x)\n"}},
		"enabledTools": []any{"ty", "mypy"},
	}

	res, err := srv.handleAnalyze(context.Background(), call(ToolAnalyze, args))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "== mypy (exit 0, ", text(t, res)[:17])
	assert.Contains(t, text(t, res), "== ty (exit 1, ")
	assert.Contains(t, text(t, res), "undefined name")

	_, err = srv.handleAnalyze(context.Background(), call(ToolAnalyze, args))
	require.NoError(t, err)
	assert.Equal(t, 1, sessions.Len(), "calls share one session")
}

func TestAnalyzeProject_InvalidArguments(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.handleAnalyze(context.Background(), call(ToolAnalyze, map[string]any{"files": []any{}}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "Expected non-empty 'files' list", text(t, res))

	res, err = srv.handleAnalyze(context.Background(), call(ToolAnalyze, map[string]any{
		"files":         []any{map[string]any{"name": "a.py", "content": ""}},
		"pythonVersion": "2.7",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "Unsupported Python version")
}

func TestListTools(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.handleList(context.Background(), call(ToolList, nil))
	require.NoError(t, err)

	var list ListResult
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &list))
	assert.Equal(t, []string{"mypy", "pyright", "pyrefly", "ty"}, list.Tools)
	assert.Equal(t, []string{"3.12", "3.13"}, list.PythonVersions)
	assert.Equal(t, "3.12", list.DefaultPythonVersion)
}

func TestAnalyzeProject_ToolSourcesSchema(t *testing.T) {
	srv, _ := newTestServer(t)

	tool := srv.mcp.GetTool(ToolAnalyze)
	require.NotNil(t, tool)
	prop, ok := tool.Tool.InputSchema.Properties["toolSources"].(map[string]any)
	require.True(t, ok, "toolSources is advertised")
	assert.Equal(t, "object", prop["type"])
	assert.Equal(t, false, prop["additionalProperties"])

	sources, ok := prop["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, sources, "mypy")
	assert.Contains(t, sources, "pyrefly")
	assert.Contains(t, sources, "ty")
	assert.NotContains(t, sources, "pyright", "pyright has no source mode")
}

func TestAnalyzeProject_ToolSources(t *testing.T) {
	srv, _ := newTestServer(t)
	args := map[string]any{
		"files":        []any{map[string]any{"name": "main.py", "content": "x: int = 1\n"}},
		"enabledTools": []any{"mypy"},
		"toolSources":  map[string]any{"mypy": t.TempDir()},
	}

	res, err := srv.handleAnalyze(context.Background(), call(ToolAnalyze, args))
	require.NoError(t, err)
	assert.False(t, res.IsError, text(t, res))
	assert.Contains(t, text(t, res), "== mypy (exit 0, ")

	args["toolSources"] = map[string]any{"pyright": t.TempDir()}
	args["enabledTools"] = []any{"pyright"}
	res, err = srv.handleAnalyze(context.Background(), call(ToolAnalyze, args))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jkaninda/checkbench/internal/installer"
	"github.com/jkaninda/checkbench/internal/sandbox"
	"github.com/jkaninda/checkbench/internal/toolchain"
)

// Request is the analysis request as it arrives on the wire.
type Request struct {
	Files              []sandbox.File    `json:"files"`
	Dependencies       json.RawMessage   `json:"dependencies,omitempty"` // list or delimited string
	EnabledTools       []string          `json:"enabledTools,omitempty"`
	PythonVersion      string            `json:"pythonVersion,omitempty"`
	RefreshEnvironment bool              `json:"refreshEnvironment,omitempty"`
	ToolSources        map[string]string `json:"toolSources,omitempty"`
}

// RunConfig is a validated request. Nothing touches the filesystem before a
// Request has been converted into one.
type RunConfig struct {
	Files              []sandbox.File
	Dependencies       []string
	Tools              []toolchain.Spec
	PythonVersion      string
	ToolSources        map[string]string
	RefreshEnvironment bool
}

// ToolNames returns the enabled tools in display order.
func (c *RunConfig) ToolNames() []string {
	names := make([]string, len(c.Tools))
	for i, t := range c.Tools {
		names[i] = t.Name
	}
	return names
}

// Versions is the set of Python versions clients may target.
type Versions struct {
	Supported []string
	Default   string
}

// ValidationError is a request the service refuses before any side effect.
// Message is safe to show to the client verbatim.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// DecodeRequest parses a JSON request body. Unknown fields are rejected.
func DecodeRequest(r io.Reader) (*Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ValidationError{Message: "Could not read request body", Err: err}
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, invalid("Empty request body")
	}
	if data[0] != '{' {
		if !json.Valid(data) {
			return nil, invalid("Invalid JSON payload")
		}
		return nil, invalid("JSON payload must be an object")
	}

	var req Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, decodeError(err)
	}
	if dec.More() {
		return nil, invalid("Invalid JSON payload")
	}
	return &req, nil
}

func decodeError(err error) *ValidationError {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return &ValidationError{Message: "Invalid JSON payload", Err: err}
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "payload"
		}
		return &ValidationError{Message: fmt.Sprintf("Field %q must be %s", field, jsonKind(typeErr.Type.Kind().String())), Err: err}
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return &ValidationError{Message: "Unknown field " + strings.TrimPrefix(err.Error(), "json: unknown field "), Err: err}
	default:
		return &ValidationError{Message: "Invalid JSON payload", Err: err}
	}
}

func jsonKind(kind string) string {
	switch kind {
	case "string":
		return "a string"
	case "slice", "array":
		return "a list"
	case "map", "struct":
		return "an object"
	case "bool":
		return "a boolean"
	default:
		return "a " + kind
	}
}

// Validate converts the request into a RunConfig, checking it against the
// enabled tool registry and the supported Python versions.
func (r *Request) Validate(registry *toolchain.Registry, versions Versions) (*RunConfig, error) {
	if len(r.Files) == 0 {
		return nil, invalid("Expected non-empty 'files' list")
	}
	files, err := sandbox.ValidateFiles(r.Files)
	if err != nil {
		return nil, &ValidationError{Message: err.Error(), Err: err}
	}

	deps, err := installer.ParseDependencies(r.Dependencies)
	if err != nil {
		return nil, &ValidationError{Message: err.Error(), Err: err}
	}

	tools, err := selectTools(registry, r.EnabledTools)
	if err != nil {
		return nil, err
	}

	version := strings.TrimSpace(r.PythonVersion)
	if version == "" {
		version = versions.Default
	}
	if !slices.Contains(versions.Supported, version) {
		return nil, invalid("Unsupported Python version %q (supported: %s)", version, strings.Join(versions.Supported, ", "))
	}

	sources, err := validateSources(registry, tools, r.ToolSources)
	if err != nil {
		return nil, err
	}

	return &RunConfig{
		Files:              files,
		Dependencies:       deps,
		Tools:              tools,
		PythonVersion:      version,
		ToolSources:        sources,
		RefreshEnvironment: r.RefreshEnvironment,
	}, nil
}

// selectTools keeps registry order regardless of the order the client
// listed the tools in.
func selectTools(registry *toolchain.Registry, enabled []string) ([]toolchain.Spec, error) {
	if enabled == nil {
		return registry.Specs(), nil
	}
	if len(enabled) == 0 {
		return nil, invalid("Expected at least one tool in 'enabledTools'")
	}

	want := make(map[string]bool, len(enabled))
	for _, raw := range enabled {
		name := strings.TrimSpace(raw)
		if _, ok := registry.Lookup(name); !ok {
			return nil, &ValidationError{
				Message: fmt.Sprintf("Unknown tool: %q (available: %s)", raw, strings.Join(registry.Names(), ", ")),
				Err:     toolchain.ErrUnknownTool,
			}
		}
		if want[name] {
			return nil, invalid("Duplicate tool: %q", name)
		}
		want[name] = true
	}

	var tools []toolchain.Spec
	for _, spec := range registry.Specs() {
		if want[spec.Name] {
			tools = append(tools, spec)
		}
	}
	return tools, nil
}

// validateSources checks local checkout overrides. Entries for known tools
// that are not enabled in this request are dropped.
func validateSources(registry *toolchain.Registry, tools []toolchain.Spec, raw map[string]string) (map[string]string, error) {
	sources := make(map[string]string)
	for name, dir := range raw {
		spec, ok := registry.Lookup(name)
		if !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("Unknown tool in 'toolSources': %q", name), Err: toolchain.ErrUnknownTool}
		}
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if !spec.SupportsSource() {
			return nil, &ValidationError{Message: fmt.Sprintf("Tool %q cannot be run from a local source", name), Err: toolchain.ErrNoSourceMode}
		}
		if !slices.ContainsFunc(tools, func(s toolchain.Spec) bool { return s.Name == name }) {
			continue
		}
		if !filepath.IsAbs(dir) {
			return nil, invalid("Source path for %s must be absolute: %s", name, dir)
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return nil, invalid("Source path for %s is not a directory: %s", name, dir)
		}
		sources[name] = filepath.Clean(dir)
	}
	return sources, nil
}

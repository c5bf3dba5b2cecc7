// Package toolchain describes the supported type checkers and turns a tool
// plus session context into the exact command line that runs it.
package toolchain

import (
	"errors"
	"fmt"
	"slices"
)

// SourceKind says how a tool is run from a local source checkout.
type SourceKind int

const (
	// SourceNone means the tool has no local-source mode.
	SourceNone SourceKind = iota
	// SourceUVX runs `uvx --from <src> <name>`.
	SourceUVX
	// SourceCargo runs `cargo run --manifest-path <src>/Cargo.toml --bin <name> --`.
	SourceCargo
)

// InterpreterMode says what the interpreter flag points at.
type InterpreterMode int

const (
	// InterpreterExecutable passes <env>/bin/python.
	InterpreterExecutable InterpreterMode = iota
	// InterpreterEnvironment passes the environment directory itself.
	InterpreterEnvironment
)

// ErrUnknownTool is returned for tool names outside the registry.
var ErrUnknownTool = errors.New("unknown tool")

// ErrNoSourceMode is returned when a local source is requested for a tool
// that cannot be run from source.
var ErrNoSourceMode = errors.New("tool cannot be run from a local source")

// Spec is the immutable description of one analyzer.
type Spec struct {
	Name string
	// BaseCommand launches the published tool, e.g. ["uvx", "pyrefly"].
	BaseCommand []string
	// Args follow the launcher in both published and source mode.
	Args []string
	// VersionCommand prints the tool version.
	VersionCommand []string

	VersionFlag     string
	InterpreterFlag string
	Interpreter     InterpreterMode
	Source          SourceKind

	uvx   string
	cargo string
}

// SupportsSource reports whether the tool can be run from a local checkout.
func (s Spec) SupportsSource() bool { return s.Source != SourceNone }

// Launchers are the binaries used to start tools.
type Launchers struct {
	UVX   string
	Cargo string
}

func (l Launchers) withDefaults() Launchers {
	if l.UVX == "" {
		l.UVX = "uvx"
	}
	if l.Cargo == "" {
		l.Cargo = "cargo"
	}
	return l
}

// DefaultSpecs returns the built-in tool set in display order.
func DefaultSpecs(l Launchers) []Spec {
	l = l.withDefaults()
	tool := func(name string, args []string, versionFlag, interpFlag string, mode InterpreterMode, src SourceKind) Spec {
		return Spec{
			Name:            name,
			BaseCommand:     []string{l.UVX, name},
			Args:            args,
			VersionCommand:  []string{l.UVX, name, "--version"},
			VersionFlag:     versionFlag,
			InterpreterFlag: interpFlag,
			Interpreter:     mode,
			Source:          src,
			uvx:             l.UVX,
			cargo:           l.Cargo,
		}
	}
	return []Spec{
		tool("mypy", nil, "--python-version", "--python-executable", InterpreterExecutable, SourceUVX),
		tool("pyright", []string{"--outputjson"}, "--pythonversion", "--pythonpath", InterpreterExecutable, SourceNone),
		tool("pyrefly", []string{"check"}, "--python-version", "--python-interpreter", InterpreterExecutable, SourceCargo),
		tool("ty", []string{"check"}, "--python-version", "--python", InterpreterEnvironment, SourceCargo),
	}
}

// Registry is the ordered set of tools a deployment offers.
type Registry struct {
	specs  []Spec
	byName map[string]Spec
}

// NewRegistry keeps the specs named in enabled, in the order of specs.
// An empty enabled list keeps every spec.
func NewRegistry(specs []Spec, enabled []string) (*Registry, error) {
	known := make(map[string]Spec, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}
	for _, name := range enabled {
		if _, ok := known[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
		}
	}

	r := &Registry{byName: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if len(enabled) > 0 && !slices.Contains(enabled, s.Name) {
			continue
		}
		r.specs = append(r.specs, s)
		r.byName[s.Name] = s
	}
	return r, nil
}

// Names returns the tool names in display order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.specs))
	for i, s := range r.specs {
		names[i] = s.Name
	}
	return names
}

// Specs returns the tool specs in display order.
func (r *Registry) Specs() []Spec {
	return slices.Clone(r.specs)
}

// Lookup returns the spec for name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.byName[name]
	return s, ok
}

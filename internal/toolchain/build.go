package toolchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jkaninda/checkbench/internal/sandbox"
)

// Command is a fully resolved tool invocation.
type Command struct {
	Tool string
	Argv []string
	Env  map[string]string
	// FromSource is set when the tool runs from a local checkout; such
	// results must not be cached since the checkout can change underneath.
	FromSource bool
}

// String renders the command line the way it is reported to clients.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// BuildInput is the session context a command is built for.
type BuildInput struct {
	// EnvDir is the bound dependency environment, or "" when none is bound.
	EnvDir        string
	PythonVersion string
	// Files are sandbox-relative slash paths; only .py and .pyi outside the
	// environment directory are passed to the tool.
	Files []string
	// SourceDir is a local checkout to run the tool from, or "".
	SourceDir string
	// Env is copied into the command's environment (cache locations).
	Env map[string]string
	// CargoTargetRoot holds per-checkout cargo build directories.
	CargoTargetRoot string
}

// Build resolves a tool and its context into a command. It does no I/O.
func Build(spec Spec, in BuildInput) (Command, error) {
	cmd := Command{
		Tool: spec.Name,
		Env:  map[string]string{"NO_COLOR": "1"},
	}
	maps.Copy(cmd.Env, in.Env)

	var argv []string
	if in.SourceDir != "" {
		switch spec.Source {
		case SourceUVX:
			argv = []string{spec.uvx, "--from", in.SourceDir, spec.Name}
		case SourceCargo:
			manifest := filepath.Join(in.SourceDir, "Cargo.toml")
			argv = []string{spec.cargo, "run", "--quiet", "--release", "--manifest-path", manifest, "--bin", spec.Name, "--"}
			if in.CargoTargetRoot != "" {
				cmd.Env["CARGO_TARGET_DIR"] = filepath.Join(in.CargoTargetRoot, sourceKey(in.SourceDir))
			}
		default:
			return Command{}, fmt.Errorf("%w: %s", ErrNoSourceMode, spec.Name)
		}
		cmd.FromSource = true
	} else {
		argv = slices.Clone(spec.BaseCommand)
	}
	argv = append(argv, spec.Args...)

	if in.PythonVersion != "" && spec.VersionFlag != "" {
		argv = append(argv, spec.VersionFlag, in.PythonVersion)
	}

	if in.EnvDir != "" && spec.InterpreterFlag != "" {
		target := in.EnvDir
		if spec.Interpreter == InterpreterExecutable {
			target = filepath.Join(in.EnvDir, "bin", "python")
		}
		argv = append(argv, spec.InterpreterFlag, target)
	}

	cmd.Argv = append(argv, AnalyzableFiles(in.Files)...)
	return cmd, nil
}

// AnalyzableFiles returns the sorted .py/.pyi names not inside the
// dependency environment.
func AnalyzableFiles(names []string) []string {
	var out []string
	for _, name := range names {
		if first, _, _ := strings.Cut(name, "/"); first == sandbox.EnvDirName {
			continue
		}
		switch path.Ext(name) {
		case ".py", ".pyi":
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// sourceKey gives each checkout its own cargo target directory.
func sourceKey(dir string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(dir)))
	return hex.EncodeToString(sum[:8])
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/checkbench/internal/analysis"
	"github.com/jkaninda/checkbench/internal/sandbox"
)

var (
	checkTools   []string
	checkPython  string
	checkDeps    string
	checkSources map[string]string
	checkRefresh bool
)

// skipped top-level entries when reading a project from disk.
var checkSkip = []string{".git", ".hg", "__pycache__", ".mypy_cache", ".ruff_cache", ".pytest_cache", "node_modules", "venv"}

// Only files the analyzers read are copied into the sandbox.
var checkExtensions = map[string]bool{".py": true, ".pyi": true, ".toml": true, ".cfg": true, ".ini": true, ".json": true, ".typed": true}

var checkCmd = &cobra.Command{
	Use:   "check [dir]",
	Short: "Run the analyzers once against a local project and print a report",
	Long: `check copies the Python sources of dir (default: the current directory) into a
fresh sandbox, installs --deps if given, and prints every analyzer's output.

Exit status is 0 when every analyzer is clean, 1 when any reported findings
and 2 when an analyzer could not run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringSliceVar(&checkTools, "tools", nil, "analyzers to run (default: all enabled)")
	checkCmd.Flags().StringVar(&checkPython, "python", "", "target Python version (default: configured default)")
	checkCmd.Flags().StringVar(&checkDeps, "deps", "", "third-party requirements, comma or space separated")
	checkCmd.Flags().StringToStringVar(&checkSources, "source", nil, "run a tool from a local checkout, e.g. --source ty=/src/ruff")
	checkCmd.Flags().BoolVar(&checkRefresh, "refresh", false, "recreate the dependency environment")
}

func runCheck(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	code, err := checkProject(cmd.Context(), dir)
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func checkProject(ctx context.Context, dir string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	files, err := readProject(dir)
	if err != nil {
		return 0, err
	}

	cfg, err := loadConfig()
	if err != nil {
		return 0, fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.LogLevel, logFormat)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return 0, err
	}
	defer sc.Cleanup()
	sc.probeVersions(ctx)

	req := &analysis.Request{
		Files:              files,
		EnabledTools:       checkTools,
		PythonVersion:      checkPython,
		RefreshEnvironment: checkRefresh,
		ToolSources:        checkSources,
	}
	if checkDeps != "" {
		req.Dependencies, err = json.Marshal(checkDeps)
		if err != nil {
			return 0, err
		}
	}

	run, err := sc.Service.Prepare(req)
	if err != nil {
		return 0, err
	}
	out, err := sc.Service.Analyze(ctx, "", run, &analysis.Collector{})
	if err != nil {
		var ierr *analysis.InstallError
		if errors.As(err, &ierr) {
			fmt.Fprint(os.Stderr, ierr.Result.Output)
		}
		return 0, err
	}

	fmt.Print(analysis.FormatReport(out, run.ToolNames()))
	return analysis.ExitCode(out), nil
}

// readProject loads the analyzable files of dir.
func readProject(dir string) ([]sandbox.File, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	all, err := sandbox.ReadTree(dir, checkSkip...)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	files := all[:0]
	for _, f := range all {
		if strings.Contains("/"+f.Name, "/__pycache__/") {
			continue
		}
		if checkExtensions[path.Ext(f.Name)] {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no Python files found in %s", dir)
	}
	return files, nil
}

// checkbench runs several Python type checkers side by side on a small
// project and streams their results to a browser editor.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"

	"github.com/jkaninda/checkbench/internal/config"
)

var (
	configPath string
	logFormat  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "checkbench",
	Short: "checkbench compares Python type checkers on the same code, live",
	Long: `checkbench materializes an edited multi-file Python project into a sandbox,
installs its dependencies with uv, and runs mypy, pyright, pyrefly and ty against it
in parallel, streaming each checker's output as soon as it finishes.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format: json or text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	// `checkbench --port 9000` and `checkbench serve --port 9000` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		registerServeFlags(cmd)
	}

	rootCmd.AddCommand(serveCmd, toolsCmd, checkCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

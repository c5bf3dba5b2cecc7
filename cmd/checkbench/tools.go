package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/checkbench/internal/config"
	"github.com/jkaninda/checkbench/internal/storage"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Probe and print the version of every enabled analyzer",
	RunE:  runTools,
}

func runTools(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.LogLevel, logFormat)

	// History is not needed to print versions.
	cfg.Storage = &config.StorageConfig{Driver: storage.DriverNone}
	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sc.probeVersions(ctx)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tVERSION\tLAUNCH")
	for _, spec := range sc.Tools.Specs() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", spec.Name, sc.Versions.Get(spec.Name), strings.Join(spec.BaseCommand, " "))
	}
	return tw.Flush()
}

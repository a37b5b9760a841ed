package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the demo host's content store to disk",
	Long: `Export starts the demo host, waits for its content store, force-loads every
record and writes equipment records, index.json, items_flat.jsonl and index.db
into a new timestamped directory.`,
	RunE: runExport,
}

var (
	exportReason string
	exportFormat string
	exportDir    string
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportReason, "reason", "manual", "Suffix of the output directory name")
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "Record format: json or cbor (default from config)")
	exportCmd.Flags().StringVar(&exportDir, "dir", "", "Base output directory (default from config)")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg := loaded
	if exportFormat != "" {
		cfg.Export.Format = exportFormat
	}
	if exportDir != "" {
		cfg.Export.Dir = exportDir
	}
	h, err := newHost(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	loopCtx, stopLoop := context.WithCancel(ctx)

	g := new(errgroup.Group)
	g.Go(func() error {
		_ = h.game.Run(loopCtx, cfg.Server.Tick.Duration)
		return nil
	})

	sum, err := h.exporter.Run(ctx, exportReason)
	stopLoop()
	_ = g.Wait()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "exported %d of %d records (%d selected, %d failed) to %s\n",
		sum.Written, sum.Total, sum.Selected, sum.Failed, sum.Dir)
	return nil
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/peephole/handles"
	"github.com/chazu/peephole/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the demo host and serve the inspector",
	Long: `Serve runs the demo host's frame loop and serves the JSON API under /api and
the Connect InspectionService on the same address until interrupted.`,
	RunE: runServe,
}

var (
	serveAddr   string
	serveWarmUp bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveWarmUp, "warm-up", false, "Locate and force-load the content store before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loaded
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	h, err := newHost(cfg)
	if err != nil {
		return err
	}

	srv := server.New(h.game.Bridge(), handles.NewRegistry(),
		server.WithRoots(h.game.Roots()...),
		server.WithContent(h.content),
		server.WithExporter(h.exporter),
		server.WithAllowOrigin(cfg.Server.AllowOrigin),
		server.WithCallTimeout(cfg.Server.CallTimeout.Duration),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.game.Run(ctx, cfg.Server.Tick.Duration)
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	})
	if serveWarmUp {
		g.Go(func() error {
			start := time.Now()
			n, err := h.content.Hydrate(ctx)
			if err != nil {
				log.Warningf("warm-up: %s", err)
				return nil
			}
			log.Infof("warm-up force-loaded %d blueprints in %s", n, time.Since(start).Round(time.Millisecond))
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Infof("shut down")
	return nil
}

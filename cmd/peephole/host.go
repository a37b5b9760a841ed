package main

import (
	"fmt"

	"github.com/chazu/peephole/config"
	"github.com/chazu/peephole/content"
	"github.com/chazu/peephole/discovery"
	"github.com/chazu/peephole/export"
	"github.com/chazu/peephole/internal/demohost"
)

// host is the demo game with the content service and exporter attached.
type host struct {
	game     *demohost.Game
	content  *content.Service
	exporter *export.Exporter
}

func newHost(cfg *config.Config) (*host, error) {
	game := demohost.New(blueprints)
	run := game.Bridge()

	svc := content.New(game.ContentSource(), run,
		content.WithDump(cfg.ContentDump()),
		content.WithThreshold(cfg.Discovery.Threshold),
		content.WithMaxRange(cfg.Content.MaxRange),
		content.WithLoaderOptions(
			discovery.WithBatch(cfg.Discovery.Batch),
			discovery.WithPause(cfg.Discovery.Pause.Duration),
			discovery.WithProgress(func(p discovery.Progress) {
				log.Debugf("force-load %d/%d, %d loaded", p.Processed, p.Total, p.Loaded)
			}),
		),
	)

	opts, err := exportOptions(cfg)
	if err != nil {
		return nil, err
	}
	return &host{
		game:     game,
		content:  svc,
		exporter: export.New(svc, run, opts),
	}, nil
}

func exportOptions(cfg *config.Config) (export.Options, error) {
	format, err := export.ParseFormat(cfg.Export.Format)
	if err != nil {
		return export.Options{}, fmt.Errorf("export.format: %w", err)
	}
	opts := export.DefaultOptions()
	opts.Dir = cfg.Export.Dir
	opts.Format = format
	opts.Dump = cfg.ExportDump()
	opts.Workers = cfg.Export.Workers
	opts.Yield = cfg.Export.Yield
	opts.Progress = cfg.Export.Progress
	opts.Wait = cfg.Export.Wait.Duration
	opts.Index = cfg.Export.Index
	return opts, nil
}

// Command peephole runs the demo host with the inspector attached.
//
// Usage:
//
//	peephole serve  [--config peephole.toml] [--addr 127.0.0.1:5080]
//	peephole export [--config peephole.toml] [--reason manual] [--format json|cbor]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/peephole/config"
	"github.com/chazu/peephole/internal/demohost"
)

var log = commonlog.GetLogger("peephole.cmd")

var rootCmd = &cobra.Command{
	Use:   "peephole",
	Short: "Live object-graph inspector for a running Go host",
	Long: `peephole embeds in a host process and exposes its object graph over HTTP,
and exports its content store to disk. This command runs the bundled demo host.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		configureLogging(cfg)
		if cfg.Path != "" {
			log.Infof("using config %s", cfg.Path)
		}
		loaded = cfg
		return nil
	},
}

var (
	configPath string
	verbose    int
	quiet      bool
	blueprints int

	loaded *config.Config
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to peephole.toml (default: search upward from the working directory)")
	flags.CountVarP(&verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Only log errors")
	flags.IntVar(&blueprints, "blueprints", demohost.DefaultBlueprints, "Number of blueprints in the demo library")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.FindAndLoad(wd)
}

func configureLogging(cfg *config.Config) {
	verbosity := cfg.Log.Verbosity + verbose
	if quiet {
		verbosity = 0
	}
	var path *string
	if cfg.Log.Path != "" {
		path = &cfg.Log.Path
	}
	commonlog.Configure(verbosity, path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

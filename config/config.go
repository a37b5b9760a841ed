// Package config handles peephole.toml configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/peephole/dump"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "peephole.toml"

// Config is a peephole.toml configuration.
type Config struct {
	Server    Server    `toml:"server"`
	Dump      Dump      `toml:"dump"`
	Discovery Discovery `toml:"discovery"`
	Content   Content   `toml:"content"`
	Export    Export    `toml:"export"`
	Log       Log       `toml:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// Server configures the HTTP and RPC listener.
type Server struct {
	Addr        string   `toml:"addr"`
	AllowOrigin string   `toml:"allow-origin"`
	Tick        Duration `toml:"tick"`
	// CallTimeout bounds how long a request waits for the owner goroutine.
	// Zero waits indefinitely.
	CallTimeout Duration `toml:"call-timeout"`
}

// Dump bounds every deep dump.
type Dump struct {
	MaxDepth      int `toml:"max-depth"`
	MaxCollection int `toml:"max-collection"`
	MaxFields     int `toml:"max-fields"`
}

// Discovery configures cache discovery and force-loading.
type Discovery struct {
	Threshold int      `toml:"threshold"`
	Batch     int      `toml:"batch"`
	Pause     Duration `toml:"pause"`
}

// Content configures the content-store endpoints.
type Content struct {
	Cycle    dump.CycleMode `toml:"cycle"`
	MaxRange int            `toml:"max-range"`
}

// Export configures bulk export.
type Export struct {
	Dir      string         `toml:"dir"`
	Format   string         `toml:"format"`
	Cycle    dump.CycleMode `toml:"cycle"`
	Workers  int            `toml:"workers"`
	Yield    int            `toml:"yield-every"`
	Progress int            `toml:"progress-every"`
	Wait     Duration       `toml:"wait"`
	Index    bool           `toml:"sqlite-index"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Duration is a time.Duration written as text ("90s", "16ms").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:        "127.0.0.1:5080",
			AllowOrigin: "*",
			Tick:        Duration{16 * time.Millisecond},
		},
		Dump: Dump{
			MaxDepth:      dump.DefaultMaxDepth,
			MaxCollection: dump.DefaultMaxCollection,
			MaxFields:     dump.DefaultMaxFields,
		},
		Discovery: Discovery{
			Threshold: 1000,
			Batch:     1000,
			Pause:     Duration{10 * time.Millisecond},
		},
		Content: Content{
			Cycle:    dump.CycleNull,
			MaxRange: 500,
		},
		Export: Export{
			Dir:      "exports",
			Format:   "json",
			Cycle:    dump.CycleStub,
			Workers:  4,
			Yield:    50,
			Progress: 250,
			Wait:     Duration{90 * time.Second},
			Index:    true,
		},
		Log: Log{Verbosity: 1},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a peephole.toml file and loads
// it. Without one it returns the defaults.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if c.Server.Tick.Duration <= 0 {
		errs = append(errs, errors.New("server.tick must be positive"))
	}
	if c.Dump.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("dump.max-depth %d is negative", c.Dump.MaxDepth))
	}
	if c.Discovery.Threshold < 0 {
		errs = append(errs, fmt.Errorf("discovery.threshold %d is negative", c.Discovery.Threshold))
	}
	if c.Discovery.Batch < 1 {
		errs = append(errs, fmt.Errorf("discovery.batch %d must be at least 1", c.Discovery.Batch))
	}
	switch c.Export.Format {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("export.format %q is not json or cbor", c.Export.Format))
	}
	if c.Export.Workers < 1 {
		errs = append(errs, fmt.Errorf("export.workers %d must be at least 1", c.Export.Workers))
	}
	return errors.Join(errs...)
}

// ContentDump is the dump configuration for the range and stream endpoints.
func (c *Config) ContentDump() dump.Options {
	return c.dumpOptions(c.Content.Cycle)
}

// ExportDump is the dump configuration for exported record files.
func (c *Config) ExportDump() dump.Options {
	return c.dumpOptions(c.Export.Cycle)
}

func (c *Config) dumpOptions(cycle dump.CycleMode) dump.Options {
	return dump.Options{
		MaxDepth:      c.Dump.MaxDepth,
		MaxCollection: c.Dump.MaxCollection,
		MaxFields:     c.Dump.MaxFields,
		Cycle:         cycle,
	}
}

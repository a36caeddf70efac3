package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/twpayne/go-histopath"
)

type config struct {
	Root        string   `yaml:"root"`
	MPP         float64  `yaml:"mpp"`
	Level       int      `yaml:"level"`
	TileExtent  int      `yaml:"tileExtent"`
	Stride      int      `yaml:"stride"`
	Partial     string   `yaml:"partial"`
	Concurrency int      `yaml:"concurrency"`
	Out         string   `yaml:"out"`
	MetricsAddr string   `yaml:"metricsAddr"`
	LogLevel    string   `yaml:"logLevel"`
	Paths       []string `yaml:"paths"`
}

func defaultConfig() *config {
	return &config{
		Root:        ".",
		Level:       -1,
		TileExtent:  512,
		Partial:     histopath.PartialInclude.String(),
		Concurrency: 4,
		Out:         ".",
		LogLevel:    "info",
	}
}

// parseArgs returns the config from the command line args. Values from the
// file named by -config are overridden by flags that are set explicitly.
func parseArgs(args []string, stderr io.Writer) (*config, error) {
	defaults := defaultConfig()
	flagSet := flag.NewFlagSet("histopath-tiles", flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.Usage = func() {
		fmt.Fprintln(stderr, "usage: histopath-tiles [flags] paths...")
		flagSet.PrintDefaults()
	}

	configFile := flagSet.String("config", "", "YAML config file")
	flags := &config{}
	flagSet.StringVar(&flags.Root, "root", defaults.Root, "directory that paths are relative to")
	flagSet.Float64Var(&flags.MPP, "mpp", defaults.MPP, "target microns per pixel")
	flagSet.IntVar(&flags.Level, "level", defaults.Level, "target level")
	flagSet.IntVar(&flags.TileExtent, "tile-extent", defaults.TileExtent, "tile extent in pixels")
	flagSet.IntVar(&flags.Stride, "stride", defaults.Stride, "stride in pixels, default tile extent")
	flagSet.StringVar(&flags.Partial, "partial", defaults.Partial, "partial tile policy: include, drop, or shift")
	flagSet.IntVar(&flags.Concurrency, "concurrency", defaults.Concurrency, "slides read concurrently")
	flagSet.StringVar(&flags.Out, "out", defaults.Out, "output directory")
	flagSet.StringVar(&flags.MetricsAddr, "metrics-addr", defaults.MetricsAddr, "address to serve /metrics on")
	flagSet.StringVar(&flags.LogLevel, "log-level", defaults.LogLevel, "log level")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaults
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", *configFile, err)
		}
	}

	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Root = flags.Root
		case "mpp":
			cfg.MPP, cfg.Level = flags.MPP, -1
		case "level":
			cfg.MPP, cfg.Level = 0, flags.Level
		case "tile-extent":
			cfg.TileExtent = flags.TileExtent
		case "stride":
			cfg.Stride = flags.Stride
		case "partial":
			cfg.Partial = flags.Partial
		case "concurrency":
			cfg.Concurrency = flags.Concurrency
		case "out":
			cfg.Out = flags.Out
		case "metrics-addr":
			cfg.MetricsAddr = flags.MetricsAddr
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		}
	})
	if flagSet.NArg() > 0 {
		cfg.Paths = flagSet.Args()
	}

	if cfg.Stride == 0 {
		cfg.Stride = cfg.TileExtent
	}
	if len(cfg.Paths) == 0 {
		return nil, errors.New("no paths")
	}
	return cfg, nil
}

func (c *config) partialPolicy() (histopath.PartialPolicy, error) {
	return histopath.ParsePartialPolicy(c.Partial)
}

func (c *config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, err
	}
	return level, nil
}

func (c *config) metadataSourceOptions() []histopath.MetadataSourceOption {
	options := []histopath.MetadataSourceOption{
		histopath.WithFS(os.DirFS(c.Root)),
		histopath.WithPaths(c.Paths...),
		histopath.WithTileExtent(histopath.Square(c.TileExtent)),
		histopath.WithStride(histopath.Square(c.Stride)),
		histopath.WithConcurrency(c.Concurrency),
	}
	if c.MPP > 0 {
		options = append(options, histopath.WithMPP(c.MPP))
	}
	if c.Level >= 0 {
		options = append(options, histopath.WithLevel(c.Level))
	}
	return options
}

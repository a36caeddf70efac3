package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twpayne/go-histopath"
)

const (
	slidesFilename = "slides.parquet"
	tilesFilename  = "tiles.parquet"
)

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}
	logLevel, err := cfg.logLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	partialPolicy, err := cfg.partialPolicy()
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: mux,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer server.Shutdown(context.Background())
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	metadataSource, err := histopath.NewMetadataSource(cfg.metadataSourceOptions()...)
	if err != nil {
		return err
	}
	slideRows, err := metadataSource.Rows(ctx)
	if err != nil {
		return err
	}
	for _, slideRow := range slideRows {
		logger.Debug("slide",
			"path", slideRow.Path,
			"id", slideRow.ID,
			"level", slideRow.Level,
			"extentX", slideRow.ExtentX,
			"extentY", slideRow.ExtentY,
		)
	}

	if err := os.MkdirAll(cfg.Out, 0o755); err != nil {
		return err
	}

	if err := writeFile(filepath.Join(cfg.Out, slidesFilename), func(w io.Writer) error {
		return histopath.WriteSlideRows(w, slideRows)
	}); err != nil {
		return err
	}
	logger.Info("wrote slides", "count", len(slideRows), "path", filepath.Join(cfg.Out, slidesFilename))

	tileRows, err := histopath.FlatMapTileRows(slideRows, histopath.WithPartialPolicy(partialPolicy))
	if err != nil {
		return err
	}
	var tileCount int
	if err := writeFile(filepath.Join(cfg.Out, tilesFilename), func(w io.Writer) error {
		tileCount, err = histopath.WriteTileRows(w, tileRows)
		return err
	}); err != nil {
		return err
	}
	logger.Info("wrote tiles", "count", tileCount, "path", filepath.Join(cfg.Out, tilesFilename))

	return nil
}

func writeFile(name string, write func(io.Writer) error) (err error) {
	file, err := os.Create(name)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()
	if err := write(file); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

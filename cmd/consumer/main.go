// Package main runs the worker pool standalone, without the HTTP surface.
// Useful for scaling consumers independently of the API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipkit/clipkit/internal/bootstrap"
	"github.com/clipkit/clipkit/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting clipkit consumer",
		slog.Int("workers", cfg.Workers),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.String("poll_interval", cfg.PollInterval.String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	deps.Pool.Start(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping consumers")
	deps.Pool.Stop()
	logger.Info("consumers stopped")
	return nil
}

// Package main provides the entry point for the clipkit API server with its
// embedded worker pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipkit/clipkit/internal/bootstrap"
	"github.com/clipkit/clipkit/internal/config"
	"github.com/clipkit/clipkit/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting clipkit API",
		slog.Int("port", cfg.Port),
		slog.Int("workers", cfg.Workers),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.String("work_dir", cfg.WorkDir),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx := context.Background()
	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Start the worker pool alongside the API
	poolCtx, stopPool := context.WithCancel(ctx)
	defer stopPool()
	deps.Pool.Start(poolCtx)

	handlers := server.NewHandlers(server.HandlersConfig{
		Store:      deps.Store,
		Planner:    deps.Planner,
		Pool:       deps.Pool,
		Objects:    deps.Objects,
		Bucket:     cfg.S3Bucket,
		PresignTTL: cfg.PresignTTL,
		Logger:     logger,
	})
	routerCfg := server.DefaultConfig()
	routerCfg.MetricsHandler = deps.Metrics.Handler()
	router := server.NewRouter(handlers, logger, routerCfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams and long uploads manage their own lifetime
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		deps.Pool.Stop()
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	deps.Pool.Stop()
	logger.Info("server stopped gracefully")
	return nil
}

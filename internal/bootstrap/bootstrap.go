// Package bootstrap provides dependency initialization shared by the API
// server and the standalone consumer.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/clipkit/clipkit/internal/config"
	"github.com/clipkit/clipkit/internal/download"
	"github.com/clipkit/clipkit/internal/engine"
	"github.com/clipkit/clipkit/internal/metrics"
	"github.com/clipkit/clipkit/internal/pipeline"
	"github.com/clipkit/clipkit/internal/queue"
	"github.com/clipkit/clipkit/internal/storage"
	"github.com/clipkit/clipkit/internal/store"
	"github.com/clipkit/clipkit/internal/workflow"
)

// Dependencies holds all initialized dependencies.
type Dependencies struct {
	Store   *store.Store
	Objects storage.ObjectStore
	Metrics *metrics.Metrics
	Pool    *queue.Pool
	Planner *workflow.Planner
}

// NewDependencies creates and initializes the store, object store, engine
// components, worker pool, and planner.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("database ready")

	objects, err := storage.NewS3Store(ctx, storage.S3Config{
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create object store: %w", err)
	}
	if err := objects.EnsureBucket(ctx, cfg.S3Bucket); err != nil {
		st.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	logger.Info("object store ready",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)

	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		logger.Warn("ffmpeg not found in PATH; processing will fail",
			slog.String("ffmpeg_path", cfg.FFmpegPath),
		)
	}

	prober := engine.NewProber(cfg.FFprobePath)
	runner := engine.NewRunner(cfg.FFmpegPath, prober)
	transmuxer := pipeline.NewTransmuxer(cfg.FFmpegPath, cfg.WorkDir)
	processor := queue.NewPipelineProcessor(runner, prober, transmuxer, cfg.WorkDir)

	downloader := download.NewYTDLP(cfg.YTDLPPath, st, objects, cfg.S3Bucket, cfg.PresignTTL, cfg.WorkDir, logger)
	m := metrics.New()

	workers := make([]*queue.Worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		workers = append(workers, queue.NewWorker(queue.WorkerConfig{
			ID:           fmt.Sprintf("worker-%d", i+1),
			Store:        st,
			Objects:      objects,
			Bucket:       cfg.S3Bucket,
			Downloader:   downloader,
			Processor:    processor,
			MaxRetries:   cfg.MaxRetries,
			PollInterval: cfg.PollInterval,
			PresignTTL:   cfg.PresignTTL,
			Logger:       logger,
			Metrics:      m,
		}))
	}

	return &Dependencies{
		Store:   st,
		Objects: objects,
		Metrics: m,
		Pool:    queue.NewPool(workers, logger),
		Planner: workflow.NewPlanner(st, workflow.WithMetrics(m)),
	}, nil
}

// Close releases held resources.
func (d *Dependencies) Close() {
	d.Store.Close()
}

package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/clipkit/clipkit/internal/engine"
	"github.com/clipkit/clipkit/internal/metrics"
	"github.com/clipkit/clipkit/internal/pipeline"
	"github.com/clipkit/clipkit/internal/storage"
	"github.com/clipkit/clipkit/internal/store"
)

// JobStore is the job-queue subset of the store the worker depends on.
type JobStore interface {
	Dequeue(ctx context.Context, maxRetries int) (*store.Job, *store.OutputFile, error)
	UpdateProgress(ctx context.Context, id int64, progress int) error
	CompleteJob(ctx context.Context, id int64) error
	ErrorJob(ctx context.Context, id int64, errText string) error
	FinishOutput(ctx context.Context, jobID int64, output store.OutputFile, file store.File, upload func(ctx context.Context) error) error
}

// Downloader resolves external_download pre-ops.
type Downloader interface {
	Download(ctx context.Context, sourceURL string, opts pipeline.DownloadOptions) (filename, presignedURL string, err error)
}

// Worker is one queue consumer: it dequeues eligible jobs, runs them through
// the processor, uploads the artifact, and transitions status. The current
// job id and its cancel function are exposed for pool-level cancellation.
type Worker struct {
	id           string
	store        JobStore
	objects      storage.ObjectStore
	bucket       string
	downloader   Downloader
	processor    Processor
	maxRetries   int
	pollInterval time.Duration
	presignTTL   time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu           sync.Mutex
	currentJobID int64
	cancelJob    context.CancelFunc
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	ID           string
	Store        JobStore
	Objects      storage.ObjectStore
	Bucket       string
	Downloader   Downloader
	Processor    Processor
	MaxRetries   int
	PollInterval time.Duration
	PresignTTL   time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// NewWorker creates a Worker from its configuration.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	presignTTL := cfg.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 2 * time.Hour
	}
	return &Worker{
		id:           cfg.ID,
		store:        cfg.Store,
		objects:      cfg.Objects,
		bucket:       cfg.Bucket,
		downloader:   cfg.Downloader,
		processor:    cfg.Processor,
		maxRetries:   cfg.MaxRetries,
		pollInterval: pollInterval,
		presignTTL:   presignTTL,
		logger:       logger,
		metrics:      cfg.Metrics,
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// CurrentJobID returns the id of the in-flight job, or zero.
func (w *Worker) CurrentJobID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentJobID
}

// CancelIfCurrent cancels the in-flight job when it matches jobID. It reports
// whether this worker held the job.
func (w *Worker) CancelIfCurrent(jobID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentJobID != jobID || w.cancelJob == nil {
		return false
	}
	w.cancelJob()
	return true
}

// Start runs the worker loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started", slog.String("worker_id", w.id))

	for ctx.Err() == nil {
		job, previous, err := w.store.Dequeue(ctx, w.maxRetries)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("dequeue failed",
				slog.String("worker_id", w.id),
				slog.String("error", err.Error()),
			)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.runJob(ctx, job, previous)
	}

	w.logger.Info("worker stopped", slog.String("worker_id", w.id))
}

// runJob executes one dequeued job with its own cancellation scope and
// transitions its terminal status.
func (w *Worker) runJob(ctx context.Context, job *store.Job, previous *store.OutputFile) {
	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.currentJobID = job.ID
	w.cancelJob = cancel
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.currentJobID = 0
		w.cancelJob = nil
		w.mu.Unlock()
		if w.metrics != nil {
			w.metrics.JobQueueDepth.WithLabelValues(string(store.StatusProcessing)).Dec()
		}
	}()

	if w.metrics != nil {
		w.metrics.WorkerJobsPickedTotal.WithLabelValues(w.id).Inc()
		w.metrics.JobStatusTotal.WithLabelValues(string(store.StatusProcessing)).Inc()
		w.metrics.JobQueueDepth.WithLabelValues(string(store.StatusProcessing)).Inc()
		w.metrics.JobQueueDepth.WithLabelValues(string(store.StatusQueued)).Dec()
	}

	w.logger.Info("processing job",
		slog.String("worker_id", w.id),
		slog.Int64("job_id", job.ID),
		slog.String("uid", job.UID),
		slog.Int("output_version", job.OutputVersion),
	)

	started := time.Now()
	err := w.processJob(jobCtx, job, previous)

	switch {
	case err == nil:
		if cerr := w.store.CompleteJob(context.WithoutCancel(ctx), job.ID); cerr != nil {
			w.logger.Error("failed to mark job completed",
				slog.String("worker_id", w.id),
				slog.Int64("job_id", job.ID),
				slog.String("error", cerr.Error()),
			)
			return
		}
		w.observeOutcome(store.StatusCompleted, started)
		w.logger.Info("job completed",
			slog.String("worker_id", w.id),
			slog.Int64("job_id", job.ID),
			slog.String("uid", job.UID),
			slog.Duration("took", time.Since(started)),
		)

	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// Per-job cancellation: the cancel path owns the row transition, the
		// worker just discards the partial output.
		w.logger.Warn("job cancelled mid-flight",
			slog.String("worker_id", w.id),
			slog.Int64("job_id", job.ID),
		)

	case ctx.Err() != nil:
		// Worker shutdown; leave the row in processing for recovery.

	default:
		w.observeOutcome(store.StatusError, started)
		w.logger.Error("job failed",
			slog.String("worker_id", w.id),
			slog.Int64("job_id", job.ID),
			slog.String("uid", job.UID),
			slog.String("error", err.Error()),
		)
		if derr := w.store.ErrorJob(context.WithoutCancel(ctx), job.ID, errorText(err)); derr != nil {
			w.logger.Error("failed to record job error",
				slog.String("worker_id", w.id),
				slog.Int64("job_id", job.ID),
				slog.String("error", derr.Error()),
			)
		}
		w.sleep(ctx)
	}
}

// processJob resolves the input, runs the pipeline, and persists the output
// artifact.
func (w *Worker) processJob(ctx context.Context, job *store.Job, previous *store.OutputFile) error {
	input := job.Input
	downloadedName := ""

	ops := job.Action
	if idx := findOp(ops, pipeline.OpExternalDownload); idx >= 0 {
		opts, err := pipeline.ParseDownloadOptions(ops[idx].Data)
		if err != nil {
			return err
		}
		filename, presigned, err := w.downloader.Download(ctx, input, opts)
		if err != nil {
			return err
		}
		downloadedName = filename
		input = presigned
		ops = append(append([]store.Operation{}, ops[:idx]...), ops[idx+1:]...)
	}

	// Download-only job: the downloader already uploaded and registered the
	// object; record it as the job output.
	if len(ops) == 0 {
		return w.store.FinishOutput(ctx, job.ID, store.OutputFile{
			Filename:     downloadedName,
			VideoFormat:  "mp4",
			AudioFormat:  string(pipeline.AudioFormatAAC),
			AudioBitrate: "192k",
		}, store.File{Name: downloadedName, Bucketname: w.bucket}, nil)
	}

	// A DAG step with no explicit input consumes the previous step's output.
	if input == "" && previous != nil && previous.Filename != "" {
		presigned, err := w.objects.PresignGet(ctx, w.bucket, previous.Filename, w.presignTTL)
		if err != nil {
			return err
		}
		input = presigned
	}

	progress := func(p float64) {
		clamped := int(math.Round(p))
		if clamped < 0 {
			clamped = 0
		}
		if clamped > 100 {
			clamped = 100
		}
		// Best-effort: a failed progress write never fails the job.
		if err := w.store.UpdateProgress(ctx, job.ID, clamped); err != nil {
			w.logger.Warn("failed to update progress",
				slog.String("worker_id", w.id),
				slog.Int64("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	run := *job
	run.Action = ops
	result, err := w.processor.Process(ctx, &run, input, progress)
	if err != nil {
		return err
	}

	filename := deriveOutputFilename(input, result.Mode, result.Extension, job.UID, job.OutputVersion)
	output := result.Output
	output.Filename = filename

	return w.store.FinishOutput(ctx, job.ID, output,
		store.File{Name: filename, Bucketname: w.bucket},
		func(ctx context.Context) error {
			return w.objects.Put(ctx, w.bucket, filename, bytes.NewReader(result.Bytes))
		})
}

// observeOutcome records the processing duration and status counters.
func (w *Worker) observeOutcome(status store.Status, started time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.JobStatusTotal.WithLabelValues(string(status)).Inc()
	w.metrics.JobProcessingDuration.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())
}

// sleep waits one poll interval or until ctx is cancelled.
func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.pollInterval):
	}
}

// findOp returns the index of the first operation with the given name.
func findOp(ops []store.Operation, name string) int {
	for i, op := range ops {
		if op.Op == name {
			return i
		}
	}
	return -1
}

// errorText bounds the error string written to the row. Engine failures store
// the captured stderr tail directly so the row shows the engine's own
// diagnostics.
func errorText(err error) string {
	const maxLen = 8192
	text := err.Error()
	var engErr *engine.EngineError
	if errors.As(err, &engErr) && engErr.Stderr != "" {
		text = engErr.Stderr
	}
	if len(text) > maxLen {
		text = text[len(text)-maxLen:]
	}
	return text
}

package queue

import (
	"context"
	"log/slog"
	"time"
)

// stopAttempts bounds how many times Stop waits for one worker before giving
// up on it.
const stopAttempts = 5

// Pool owns a fixed set of workers. Start spawns one task per worker; Stop
// cancels them cooperatively; Cancel dispatches a per-job cancellation to the
// worker holding it.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger

	cancels []context.CancelFunc
	done    []chan struct{}
	running bool
}

// NewPool creates a pool over the given workers.
func NewPool(workers []*Worker, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{workers: workers, logger: logger}
}

// Size returns the pool cardinality.
func (p *Pool) Size() int { return len(p.workers) }

// Start spawns every worker task. Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	if p.running {
		return
	}
	p.running = true
	p.cancels = make([]context.CancelFunc, len(p.workers))
	p.done = make([]chan struct{}, len(p.workers))

	p.logger.Info("starting worker pool", slog.Int("workers", len(p.workers)))
	for i, worker := range p.workers {
		workerCtx, cancel := context.WithCancel(ctx)
		p.cancels[i] = cancel
		done := make(chan struct{})
		p.done[i] = done
		go func(w *Worker) {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("worker panicked",
						slog.String("worker_id", w.ID()),
						slog.Any("panic", r),
					)
				}
			}()
			w.Start(workerCtx)
		}(worker)
	}
}

// Stop cancels every worker task and waits for termination, retrying up to
// stopAttempts per worker before giving up on it.
func (p *Pool) Stop() {
	if !p.running {
		return
	}
	p.running = false

	for i, worker := range p.workers {
		p.cancels[i]()

		stopped := false
		for attempt := 0; attempt < stopAttempts && !stopped; attempt++ {
			select {
			case <-p.done[i]:
				stopped = true
			case <-time.After(time.Second):
				p.cancels[i]()
			}
		}
		if !stopped {
			p.logger.Warn("worker did not stop in time",
				slog.String("worker_id", worker.ID()),
			)
		}
	}
	p.logger.Info("worker pool stopped")
}

// Cancel dispatches a cancellation to the worker currently holding jobID. If
// no worker holds it the call is a no-op: a queued job whose row was already
// flipped away from queued will never be picked.
func (p *Pool) Cancel(jobID int64) bool {
	for _, worker := range p.workers {
		if worker.CancelIfCurrent(jobID) {
			p.logger.Warn("cancelled in-flight job",
				slog.String("worker_id", worker.ID()),
				slog.Int64("job_id", jobID),
			)
			return true
		}
	}
	return false
}

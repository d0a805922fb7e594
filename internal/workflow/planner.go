// Package workflow expands stored workflows into chains of dependent jobs
// sharing one execution uid.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clipkit/clipkit/internal/metrics"
	"github.com/clipkit/clipkit/internal/pipeline"
	"github.com/clipkit/clipkit/internal/store"
)

// ErrNoSteps is returned when a workflow has nothing to execute.
var ErrNoSteps = errors.New("workflow has no steps")

// Enqueuer is the store subset the planner needs: the atomic batch insert.
type Enqueuer interface {
	EnqueueJobs(ctx context.Context, jobs []*store.Job, execution *store.WorkflowExecution) error
}

// Planner validates recipes and turns them into queued jobs.
type Planner struct {
	store   Enqueuer
	metrics *metrics.Metrics
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithMetrics wires the queue collectors updated on enqueue.
func WithMetrics(m *metrics.Metrics) PlannerOption {
	return func(p *Planner) { p.metrics = m }
}

// NewPlanner creates a Planner over the given store.
func NewPlanner(enqueuer Enqueuer, opts ...PlannerOption) *Planner {
	p := &Planner{store: enqueuer}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// enqueue inserts the jobs and records the enqueue collectors.
func (p *Planner) enqueue(ctx context.Context, jobs []*store.Job, execution *store.WorkflowExecution) error {
	started := time.Now()
	if err := p.store.EnqueueJobs(ctx, jobs, execution); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.JobEnqueueDuration.Observe(time.Since(started).Seconds())
		for range jobs {
			p.metrics.JobStatusTotal.WithLabelValues(string(store.StatusQueued)).Inc()
			p.metrics.JobQueueDepth.WithLabelValues(string(store.StatusQueued)).Inc()
		}
	}
	return nil
}

// ValidateOperations compiles the operations against a throwaway builder so
// malformed recipes fail before anything is persisted. Unknown ops and bad
// payloads surface as pipeline.ErrInvalidRequest.
func ValidateOperations(ops []store.Operation) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: at least one operation is required", pipeline.ErrInvalidRequest)
	}
	builder := pipeline.NewBuilder("")
	for _, op := range ops {
		if err := pipeline.Apply(builder, op.Op, op.Data); err != nil {
			return err
		}
	}
	return nil
}

// PlanEdit validates a single recipe and enqueues it as one job. It returns
// the inserted job, which carries the fresh uid.
func (p *Planner) PlanEdit(ctx context.Context, media string, ops []store.Operation) (*store.Job, error) {
	if err := ValidateOperations(ops); err != nil {
		return nil, err
	}

	job := &store.Job{
		UID:    uuid.NewString(),
		Input:  media,
		Action: ops,
		Status: store.StatusQueued,
	}
	if err := p.enqueue(ctx, []*store.Job{job}, nil); err != nil {
		return nil, err
	}
	return job, nil
}

// Execute expands a stored workflow into its job chain for the given media:
// every step becomes a job sharing a fresh uid, with monotonically increasing
// output versions and an empty input everywhere but the first step. Jobs and
// the execution row are inserted atomically.
func (p *Planner) Execute(ctx context.Context, wf *store.Workflow, media string) ([]*store.Job, *store.WorkflowExecution, error) {
	if len(wf.Steps) == 0 {
		return nil, nil, fmt.Errorf("%w: workflow %d", ErrNoSteps, wf.ID)
	}
	for i, step := range wf.Steps {
		if err := ValidateOperations(step); err != nil {
			return nil, nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	uid := uuid.NewString()
	jobs := make([]*store.Job, 0, len(wf.Steps))
	for i, step := range wf.Steps {
		job := &store.Job{
			UID:           uid,
			Input:         "",
			Action:        step,
			Status:        store.StatusQueued,
			OutputVersion: i,
		}
		jobs = append(jobs, job)
	}
	// Only the first step reads the supplied media; later steps consume the
	// previous step's output.
	jobs[0].Input = media

	execution := &store.WorkflowExecution{WorkflowID: wf.ID, UID: uid}
	if err := p.enqueue(ctx, jobs, execution); err != nil {
		return nil, nil, err
	}
	return jobs, execution, nil
}

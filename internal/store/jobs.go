package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// jobColumns is the select list shared by every job query. The uid is cast to
// text so it scans directly into the model.
const jobColumns = `jobs.id, jobs.uid::text, COALESCE(jobs.input, ''), jobs.action,
	jobs.status, jobs.output_version, jobs.output, jobs.retries,
	COALESCE(jobs.error, ''), jobs.progress, jobs.created_at, jobs.updated_at`

// dequeueSQL claims the oldest eligible queued job in a single statement. The
// CTE selects with FOR UPDATE SKIP LOCKED so concurrent workers never race on
// the same row, and the DAG predicate keeps step k out of reach until step
// k-1 of the same uid is completed. The outer UPDATE transitions the claimed
// row to processing and returns it together with the predecessor's output.
const dequeueSQL = `
WITH current_job AS (
	SELECT
		j.id,
		(
			SELECT prev.output
			FROM jobs prev
			WHERE prev.uid = j.uid
			AND prev.output_version = j.output_version - 1
			LIMIT 1
		) AS previous_output
	FROM jobs j
	WHERE
		j.status = 'queued'
		AND j.retries <= $1
		AND NOT EXISTS (
			SELECT 1
			FROM jobs prev
			WHERE prev.uid = j.uid
			AND prev.output_version = j.output_version - 1
			AND prev.status <> 'completed'
		)
	ORDER BY j.created_at
	LIMIT 1
	FOR UPDATE OF j SKIP LOCKED
)
UPDATE jobs
SET
	status = 'processing',
	updated_at = CURRENT_TIMESTAMP
FROM current_job
WHERE jobs.id = current_job.id
RETURNING ` + jobColumns + `, current_job.previous_output`

// scanJob reads one job row. rawAction and rawOutput are jsonb columns.
func scanJob(row pgx.Row, extra ...any) (*Job, error) {
	var (
		job       Job
		rawAction []byte
		rawOutput []byte
	)
	dest := []any{
		&job.ID, &job.UID, &job.Input, &rawAction,
		&job.Status, &job.OutputVersion, &rawOutput, &job.Retries,
		&job.Error, &job.Progress, &job.CreatedAt, &job.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if len(rawAction) > 0 {
		if err := json.Unmarshal(rawAction, &job.Action); err != nil {
			return nil, fmt.Errorf("decode job action: %w", err)
		}
	}
	if len(rawOutput) > 0 {
		job.Output = &OutputFile{}
		if err := json.Unmarshal(rawOutput, job.Output); err != nil {
			return nil, fmt.Errorf("decode job output: %w", err)
		}
	}
	return &job, nil
}

// CreateJob inserts one job and returns its store-assigned id.
func (s *Store) CreateJob(ctx context.Context, job *Job) (int64, error) {
	action, err := json.Marshal(job.Action)
	if err != nil {
		return 0, fmt.Errorf("encode job action: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO jobs (uid, input, action, status, output_version, retries, progress)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		job.UID, job.Input, action, job.Status, job.OutputVersion, job.Retries, job.Progress,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// EnqueueJobs inserts a chain of jobs and, when execution is non-nil, the
// workflow-execution row linking them, all in one transaction.
func (s *Store) EnqueueJobs(ctx context.Context, jobs []*Job, execution *WorkflowExecution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, job := range jobs {
		action, err := json.Marshal(job.Action)
		if err != nil {
			return fmt.Errorf("encode job action: %w", err)
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO jobs (uid, input, action, status, output_version, retries, progress)
			VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			job.UID, job.Input, action, job.Status, job.OutputVersion, job.Retries, job.Progress,
		).Scan(&job.ID)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
	}

	if execution != nil {
		err = tx.QueryRow(ctx, `
			INSERT INTO workflow_executions (workflow_id, uid)
			VALUES ($1, $2::uuid)
			RETURNING id`,
			execution.WorkflowID, execution.UID,
		).Scan(&execution.ID)
		if err != nil {
			return fmt.Errorf("insert workflow execution: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enqueue transaction: %w", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Zero values mean no constraint; LastID enables
// monotonic id pagination.
type JobFilter struct {
	UID    string
	Status Status
	Limit  int
	LastID int64
}

// ListJobs returns jobs matching the filter ordered by ascending id.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	clauses := []string{"id > $1"}
	args := []any{filter.LastID}
	if filter.UID != "" {
		args = append(args, filter.UID)
		clauses = append(clauses, "uid = $"+strconv.Itoa(len(args))+"::uuid")
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY id ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Dequeue claims the oldest eligible queued job, transitioning it to
// processing atomically. It returns the claimed job with its input resolved
// against the predecessor's output, or (nil, nil, nil) when no job is
// eligible.
func (s *Store) Dequeue(ctx context.Context, maxRetries int) (*Job, *OutputFile, error) {
	row := s.pool.QueryRow(ctx, dequeueSQL, maxRetries)

	var rawPrevious []byte
	job, err := scanJob(row, &rawPrevious)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dequeue job: %w", err)
	}

	var previous *OutputFile
	if len(rawPrevious) > 0 {
		previous = &OutputFile{}
		if err := json.Unmarshal(rawPrevious, previous); err != nil {
			return nil, nil, fmt.Errorf("decode previous output: %w", err)
		}
	}
	return job, previous, nil
}

// UpdateProgress writes the job's progress percentage. Progress updates are
// best-effort; callers must not fail the job when this errors.
func (s *Store) UpdateProgress(ctx context.Context, id int64, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		progress, id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// CompleteJob transitions a job to completed.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusCompleted)
}

// CancelJob transitions a job to cancelled.
func (s *Store) CancelJob(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusCancelled)
}

func (s *Store) setStatus(ctx context.Context, id int64, status Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ErrorJob records a failure: status error, the error text, and a retry
// increment.
func (s *Store) ErrorJob(ctx context.Context, id int64, errText string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'error',
			updated_at = CURRENT_TIMESTAMP,
			retries = retries + 1,
			error = $1
		WHERE id = $2`,
		errText, id)
	if err != nil {
		return fmt.Errorf("record job error: %w", err)
	}
	return nil
}

// RetryJob puts a finished job back in the queue, clearing its error and
// retry count.
func (s *Store) RetryJob(ctx context.Context, id int64) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'queued', error = NULL, retries = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING `+jobColumns, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}
	return job, nil
}

// RequeueJobs requeues every errored or cancelled job of a workflow run.
func (s *Store) RequeueJobs(ctx context.Context, uid string) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = 'queued', error = NULL, retries = 0, updated_at = CURRENT_TIMESTAMP
		WHERE uid = $1::uuid AND status IN ('error', 'cancelled')
		RETURNING `+jobColumns, uid)
	if err != nil {
		return nil, fmt.Errorf("requeue jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobFields applies a partial update from the PATCH surface. Nil fields
// are left untouched.
type UpdateJobFields struct {
	Status   *Status
	Progress *int
	Error    *string
}

// UpdateJob applies the non-nil fields and returns the updated row.
func (s *Store) UpdateJob(ctx context.Context, id int64, fields UpdateJobFields) (*Job, error) {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	add := func(expr string, val any) {
		args = append(args, val)
		sets = append(sets, expr+" = $"+strconv.Itoa(len(args)))
	}
	if fields.Status != nil {
		add("status", *fields.Status)
	}
	if fields.Progress != nil {
		add("progress", *fields.Progress)
	}
	if fields.Error != nil {
		add("error", *fields.Error)
	}
	args = append(args, id)

	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = $`+strconv.Itoa(len(args))+
			` RETURNING `+jobColumns, args...)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// FinishOutput records a successful run in one transaction: the job's output
// document, the files registration, and the artifact upload. A failed upload
// rolls the row changes back so a completed status can never point at a
// missing artifact.
func (s *Store) FinishOutput(ctx context.Context, jobID int64, output OutputFile, file File, upload func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin output transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rawOutput, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode job output: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET output = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		rawOutput, jobID); err != nil {
		return fmt.Errorf("update job output: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO files (name, bucketname, filetype) VALUES ($1, $2, NULLIF($3, ''))`,
		file.Name, file.Bucketname, file.Filetype); err != nil {
		return fmt.Errorf("register output file: %w", err)
	}

	if upload != nil {
		if err := upload(ctx); err != nil {
			return fmt.Errorf("upload artifact: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit output transaction: %w", err)
	}
	return nil
}

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

const workflowColumns = `id, name, COALESCE(search, ''), steps, created_at, updated_at`

// scanWorkflow reads one workflow row with its jsonb steps.
func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var (
		wf       Workflow
		rawSteps []byte
	)
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Search, &rawSteps, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if len(rawSteps) > 0 {
		if err := json.Unmarshal(rawSteps, &wf.Steps); err != nil {
			return nil, fmt.Errorf("decode workflow steps: %w", err)
		}
	}
	return &wf, nil
}

// CreateWorkflow inserts a workflow and returns its id.
func (s *Store) CreateWorkflow(ctx context.Context, wf *Workflow) (int64, error) {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return 0, fmt.Errorf("encode workflow steps: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO workflows (name, search, steps)
		VALUES ($1, NULLIF($2, ''), $3)
		RETURNING id`,
		wf.Name, wf.Search, steps,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert workflow: %w", err)
	}
	return id, nil
}

// GetWorkflow fetches one workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// FindWorkflow resolves a workflow by any of id, name, or search, OR-combined
// the way the execute endpoint selects its target.
func (s *Store) FindWorkflow(ctx context.Context, id int64, name, search string) (*Workflow, error) {
	clauses := []string{}
	args := []any{}
	if id > 0 {
		args = append(args, id)
		clauses = append(clauses, "id = $"+strconv.Itoa(len(args)))
	}
	if name != "" {
		args = append(args, name)
		clauses = append(clauses, "name = $"+strconv.Itoa(len(args)))
	}
	if search != "" {
		args = append(args, "%"+search+"%")
		clauses = append(clauses, "search ILIKE $"+strconv.Itoa(len(args)))
	}
	if len(clauses) == 0 {
		return nil, ErrNotFound
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE `+strings.Join(clauses, " OR ")+
			` ORDER BY id ASC LIMIT 1`, args...)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns workflows ordered by ascending id.
func (s *Store) ListWorkflows(ctx context.Context, limit int, lastID int64) ([]*Workflow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		lastID, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// UpdateWorkflowFields applies a partial update to a workflow. Nil fields are
// left untouched.
type UpdateWorkflowFields struct {
	Name   *string
	Search *string
	Steps  [][]Operation
}

// UpdateWorkflow applies the non-nil fields and returns the updated row.
func (s *Store) UpdateWorkflow(ctx context.Context, id int64, fields UpdateWorkflowFields) (*Workflow, error) {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	add := func(expr string, val any) {
		args = append(args, val)
		sets = append(sets, expr+" = $"+strconv.Itoa(len(args)))
	}
	if fields.Name != nil {
		add("name", *fields.Name)
	}
	if fields.Search != nil {
		add("search", *fields.Search)
	}
	if fields.Steps != nil {
		steps, err := json.Marshal(fields.Steps)
		if err != nil {
			return nil, fmt.Errorf("encode workflow steps: %w", err)
		}
		add("steps", steps)
	}
	args = append(args, id)

	row := s.pool.QueryRow(ctx,
		`UPDATE workflows SET `+strings.Join(sets, ", ")+` WHERE id = $`+strconv.Itoa(len(args))+
			` RETURNING `+workflowColumns, args...)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	return wf, nil
}

// DeleteWorkflow removes a workflow. Executions cascade.
func (s *Store) DeleteWorkflow(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExecution fetches one workflow execution by id.
func (s *Store) GetExecution(ctx context.Context, id int64) (*WorkflowExecution, error) {
	var ex WorkflowExecution
	err := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, uid::text, progress, created_at, updated_at
		FROM workflow_executions WHERE id = $1`, id,
	).Scan(&ex.ID, &ex.WorkflowID, &ex.UID, &ex.Progress, &ex.CreatedAt, &ex.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &ex, nil
}

// ListExecutions returns executions with the workflow name joined in, across
// all workflows when workflowID is zero and for that workflow otherwise.
func (s *Store) ListExecutions(ctx context.Context, workflowID int64, limit int, lastID int64) ([]*WorkflowExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"we.id > $1"}
	args := []any{lastID}
	if workflowID > 0 {
		args = append(args, workflowID)
		clauses = append(clauses, "we.workflow_id = $"+strconv.Itoa(len(args)))
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, `
		SELECT we.id, we.workflow_id, COALESCE(w.name, ''), we.uid::text, we.progress, we.created_at, we.updated_at
		FROM workflow_executions we
		LEFT JOIN workflows w ON we.workflow_id = w.id
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY we.id ASC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*WorkflowExecution
	for rows.Next() {
		var ex WorkflowExecution
		if err := rows.Scan(&ex.ID, &ex.WorkflowID, &ex.WorkflowName, &ex.UID, &ex.Progress, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, &ex)
	}
	return executions, rows.Err()
}

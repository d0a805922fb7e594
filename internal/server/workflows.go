package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clipkit/clipkit/internal/pipeline"
	"github.com/clipkit/clipkit/internal/store"
	"github.com/clipkit/clipkit/internal/workflow"
)

// CreateWorkflow handles POST /workflows: every step is validated against the
// compiler before the workflow row is stored.
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	steps := make([][]store.Operation, len(req.Steps))
	for i, step := range req.Steps {
		steps[i] = toOperations(step)
		if err := workflow.ValidateOperations(steps[i]); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
			return
		}
	}

	wf := &store.Workflow{Name: req.Name, Search: req.Search, Steps: steps}
	id, err := h.store.CreateWorkflow(r.Context(), wf)
	if err != nil {
		h.logger.Error("failed to create workflow", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create workflow", "CREATE_FAILED")
		return
	}
	wf.ID = id

	h.logger.Info("workflow created",
		slog.Int64("workflow_id", id),
		slog.String("name", req.Name),
		slog.Int("steps", len(steps)),
	)
	writeJSON(w, http.StatusOK, wf)
}

// ListWorkflows handles GET /workflows.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.store.ListWorkflows(r.Context(), queryInt(r, "limit", 20), int64(queryInt(r, "last_id", 0)))
	if err != nil {
		h.logger.Error("failed to list workflows", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list workflows", "LIST_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, WorkflowListResponse{Workflows: workflows, Total: len(workflows)})
}

// GetWorkflow handles GET /workflows/{id}.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	wf, err := h.store.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "workflow")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// UpdateWorkflow handles PATCH /workflows/{id}. Replacement steps are
// validated the same way creation validates them.
func (h *Handlers) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req WorkflowUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	fields := store.UpdateWorkflowFields{Name: req.Name, Search: req.Search}
	if req.Steps != nil {
		steps := make([][]store.Operation, len(req.Steps))
		for i, step := range req.Steps {
			steps[i] = toOperations(step)
			if err := workflow.ValidateOperations(steps[i]); err != nil {
				writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
				return
			}
		}
		fields.Steps = steps
	}

	wf, err := h.store.UpdateWorkflow(r.Context(), id, fields)
	if err != nil {
		h.writeStoreError(w, err, "workflow")
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// DeleteWorkflow handles DELETE /workflows/{id}.
func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteWorkflow(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "workflow")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// ExecuteWorkflow handles POST /workflows/execute: resolve the workflow by
// id, name, or search, then expand it into a queued job chain.
func (h *Handlers) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	media := query.Get("media")
	if media == "" {
		writeError(w, http.StatusBadRequest, "media is required", "VALIDATION_ERROR")
		return
	}

	idParam := query.Get("id")
	name := query.Get("name")
	search := query.Get("search")
	if idParam == "" && name == "" && search == "" {
		writeError(w, http.StatusBadRequest,
			"any of id, name or search is required for executing workflows", "VALIDATION_ERROR")
		return
	}

	var id int64
	if idParam != "" {
		parsed, err := strconv.ParseInt(idParam, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid workflow id", "INVALID_ID")
			return
		}
		id = parsed
	}

	wf, err := h.store.FindWorkflow(r.Context(), id, name, search)
	if err != nil {
		h.writeStoreError(w, err, "workflow")
		return
	}

	jobs, execution, err := h.planner.Execute(r.Context(), wf, media)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) || errors.Is(err, workflow.ErrNoSteps) {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
			return
		}
		h.logger.Error("failed to execute workflow",
			slog.Int64("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to execute workflow", "EXECUTE_FAILED")
		return
	}

	steps := make([]WorkflowStepResponse, len(jobs))
	for i, job := range jobs {
		steps[i] = WorkflowStepResponse{UID: job.UID, Media: media, Operations: job.Action}
	}

	h.logger.Info("workflow executed",
		slog.Int64("workflow_id", wf.ID),
		slog.String("uid", execution.UID),
		slog.Int("steps", len(jobs)),
	)
	writeJSON(w, http.StatusOK, WorkflowExecuteResponse{Workflows: steps})
}

// RetryWorkflow handles POST /workflows/{id}/retry: every errored or
// cancelled job of the given execution uid goes back to queued.
func (h *Handlers) RetryWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req WorkflowRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	if _, err := h.store.GetWorkflow(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "workflow")
		return
	}

	jobs, err := h.store.RequeueJobs(r.Context(), req.UID)
	if err != nil {
		h.writeStoreError(w, err, "workflow")
		return
	}
	writeJSON(w, http.StatusOK, WorkflowRetryResponse{
		UID:        req.UID,
		WorkflowID: id,
		Requeued:   len(jobs),
		Jobs:       jobs,
	})
}

// ListExecutions handles GET /workflows/executions.
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := h.store.ListExecutions(r.Context(), 0, queryInt(r, "limit", 100), int64(queryInt(r, "last_id", 0)))
	if err != nil {
		h.logger.Error("failed to list executions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions", "LIST_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, ExecutionListResponse{Executions: executions, Total: len(executions)})
}

// ListWorkflowExecutions handles GET /workflows/{id}/executions.
func (h *Handlers) ListWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	executions, err := h.store.ListExecutions(r.Context(), id, queryInt(r, "limit", 50), int64(queryInt(r, "last_id", 0)))
	if err != nil {
		h.logger.Error("failed to list executions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions", "LIST_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, ExecutionListResponse{Executions: executions, Total: len(executions)})
}

// ListExecutionJobs handles GET /workflows/executions/{id}/jobs.
func (h *Handlers) ListExecutionJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	execution, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "execution")
		return
	}
	jobs, err := h.store.ListJobs(r.Context(), store.JobFilter{UID: execution.UID, Limit: 100})
	if err != nil {
		h.logger.Error("failed to list execution jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "LIST_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, ExecutionJobsResponse{UID: execution.UID, Jobs: jobs})
}

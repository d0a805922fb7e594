package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clipkit/clipkit/internal/pipeline"
	"github.com/clipkit/clipkit/internal/storage"
	"github.com/clipkit/clipkit/internal/store"
)

// Store is the persistence surface the handlers consume.
type Store interface {
	GetJob(ctx context.Context, id int64) (*store.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error)
	UpdateJob(ctx context.Context, id int64, fields store.UpdateJobFields) (*store.Job, error)
	RetryJob(ctx context.Context, id int64) (*store.Job, error)
	CancelJob(ctx context.Context, id int64) error
	RequeueJobs(ctx context.Context, uid string) ([]*store.Job, error)

	CreateWorkflow(ctx context.Context, wf *store.Workflow) (int64, error)
	GetWorkflow(ctx context.Context, id int64) (*store.Workflow, error)
	FindWorkflow(ctx context.Context, id int64, name, search string) (*store.Workflow, error)
	ListWorkflows(ctx context.Context, limit int, lastID int64) ([]*store.Workflow, error)
	UpdateWorkflow(ctx context.Context, id int64, fields store.UpdateWorkflowFields) (*store.Workflow, error)
	DeleteWorkflow(ctx context.Context, id int64) error
	GetExecution(ctx context.Context, id int64) (*store.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID int64, limit int, lastID int64) ([]*store.WorkflowExecution, error)

	CreateFile(ctx context.Context, f *store.File) (int64, error)
	GetFile(ctx context.Context, id int64) (*store.File, error)
	ListFiles(ctx context.Context, limit int, lastID int64) ([]*store.File, error)
	DeleteFile(ctx context.Context, id int64) error
}

// Planner validates recipes and enqueues jobs.
type Planner interface {
	PlanEdit(ctx context.Context, media string, ops []store.Operation) (*store.Job, error)
	Execute(ctx context.Context, wf *store.Workflow, media string) ([]*store.Job, *store.WorkflowExecution, error)
}

// Canceller dispatches per-job cancellation into the worker pool.
type Canceller interface {
	Cancel(jobID int64) bool
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	store      Store
	planner    Planner
	pool       Canceller
	objects    storage.ObjectStore
	bucket     string
	presignTTL time.Duration
	validator  *validator.Validate
	logger     *slog.Logger
}

// HandlersConfig wires a Handlers instance.
type HandlersConfig struct {
	Store      Store
	Planner    Planner
	Pool       Canceller
	Objects    storage.ObjectStore
	Bucket     string
	PresignTTL time.Duration
	Logger     *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	presignTTL := cfg.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 2 * time.Hour
	}
	return &Handlers{
		store:      cfg.Store,
		planner:    cfg.Planner,
		pool:       cfg.Pool,
		objects:    cfg.Objects,
		bucket:     cfg.Bucket,
		presignTTL: presignTTL,
		validator:  validator.New(),
		logger:     logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateEdit handles POST /edits: validate the recipe against the compiler
// and enqueue a single job.
func (h *Handlers) CreateEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	job, err := h.planner.PlanEdit(r.Context(), req.Media, toOperations(req.Operations))
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
			return
		}
		h.logger.Error("failed to enqueue edit", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue edit", "ENQUEUE_FAILED")
		return
	}

	h.logger.Info("edit enqueued",
		slog.String("uid", job.UID),
		slog.Int64("job_id", job.ID),
		slog.Int("operations", len(req.Operations)),
	)
	writeJSON(w, http.StatusOK, EditResponse{
		ID:         job.UID,
		Media:      req.Media,
		Operations: req.Operations,
	})
}

// ListEdits handles GET /edits with optional uid and status filters.
func (h *Handlers) ListEdits(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		UID:    r.URL.Query().Get("uid"),
		Limit:  queryInt(r, "limit", 20),
		LastID: int64(queryInt(r, "last_id", 0)),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		if !store.Status(status).Valid() {
			writeError(w, http.StatusBadRequest, "invalid status filter", "INVALID_STATUS")
			return
		}
		filter.Status = store.Status(status)
	}

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list edits", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list edits", "LIST_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, EditListResponse{Edits: jobs, Total: len(jobs)})
}

// GetEdit handles GET /edits/{id}.
func (h *Handlers) GetEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "edit")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// UpdateEdit handles PATCH /edits/{id}.
func (h *Handlers) UpdateEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req EditUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	fields := store.UpdateJobFields{Progress: req.Progress, Error: req.Error}
	if req.Status != nil {
		status := store.Status(*req.Status)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status", "INVALID_STATUS")
			return
		}
		fields.Status = &status
	}

	job, err := h.store.UpdateJob(r.Context(), id, fields)
	if err != nil {
		h.writeStoreError(w, err, "edit")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// RetryEdit handles POST /edits/{id}/retry: finished rows go back to queued
// with a clean error and retry count.
func (h *Handlers) RetryEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "edit")
		return
	}
	switch job.Status {
	case store.StatusError, store.StatusCancelled, store.StatusCompleted:
	default:
		writeError(w, http.StatusBadRequest,
			"can only retry edits with status error, cancelled, or completed, got "+string(job.Status),
			"INVALID_STATUS")
		return
	}

	retried, err := h.store.RetryJob(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "edit")
		return
	}
	h.logger.Info("edit requeued", slog.Int64("job_id", id))
	writeJSON(w, http.StatusOK, retried)
}

// CancelEdit handles POST /edits/{id}/cancel: the row transitions to
// cancelled and the pool cancels the owning worker's task when one holds it.
func (h *Handlers) CancelEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.store.GetJob(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "edit")
		return
	}

	if err := h.store.CancelJob(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "edit")
		return
	}
	interrupted := false
	if h.pool != nil {
		interrupted = h.pool.Cancel(id)
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "edit")
		return
	}
	h.logger.Info("edit cancelled",
		slog.Int64("job_id", id),
		slog.Bool("interrupted_worker", interrupted),
	)
	writeJSON(w, http.StatusOK, job)
}

// writeStoreError maps store errors to responses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, entity+" not found", "NOT_FOUND")
		return
	}
	h.logger.Error("store operation failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error", "STORE_ERROR")
}

// pathID parses the {id} path segment, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id", "INVALID_ID")
		return 0, false
	}
	return id, true
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

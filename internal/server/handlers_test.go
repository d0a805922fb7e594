package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipkit/clipkit/internal/storage"
	"github.com/clipkit/clipkit/internal/store"
	"github.com/clipkit/clipkit/internal/workflow"
)

// fakeAPI backs the handlers with in-memory state.
type fakeAPI struct {
	jobs       map[int64]*store.Job
	workflows  map[int64]*store.Workflow
	executions map[int64]*store.WorkflowExecution
	files      map[int64]*store.File
	nextID     int64

	cancelled []int64
	requeued  []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		jobs:       map[int64]*store.Job{},
		workflows:  map[int64]*store.Workflow{},
		executions: map[int64]*store.WorkflowExecution{},
		files:      map[int64]*store.File{},
		nextID:     1,
	}
}

func (f *fakeAPI) id() int64 {
	id := f.nextID
	f.nextID++
	return id
}

func (f *fakeAPI) GetJob(_ context.Context, id int64) (*store.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeAPI) ListJobs(_ context.Context, filter store.JobFilter) ([]*store.Job, error) {
	var out []*store.Job
	for _, job := range f.jobs {
		if filter.UID != "" && job.UID != filter.UID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeAPI) UpdateJob(_ context.Context, id int64, fields store.UpdateJobFields) (*store.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if fields.Status != nil {
		job.Status = *fields.Status
	}
	if fields.Progress != nil {
		job.Progress = *fields.Progress
	}
	if fields.Error != nil {
		job.Error = *fields.Error
	}
	return job, nil
}

func (f *fakeAPI) RetryJob(_ context.Context, id int64) (*store.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	job.Status = store.StatusQueued
	job.Error = ""
	job.Retries = 0
	return job, nil
}

func (f *fakeAPI) CancelJob(_ context.Context, id int64) error {
	job, ok := f.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = store.StatusCancelled
	return nil
}

func (f *fakeAPI) RequeueJobs(_ context.Context, uid string) ([]*store.Job, error) {
	f.requeued = append(f.requeued, uid)
	var out []*store.Job
	for _, job := range f.jobs {
		if job.UID == uid && (job.Status == store.StatusError || job.Status == store.StatusCancelled) {
			job.Status = store.StatusQueued
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *fakeAPI) CreateWorkflow(_ context.Context, wf *store.Workflow) (int64, error) {
	id := f.id()
	wf.ID = id
	f.workflows[id] = wf
	return id, nil
}

func (f *fakeAPI) GetWorkflow(_ context.Context, id int64) (*store.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return wf, nil
}

func (f *fakeAPI) FindWorkflow(_ context.Context, id int64, name, search string) (*store.Workflow, error) {
	for _, wf := range f.workflows {
		if (id > 0 && wf.ID == id) || (name != "" && wf.Name == name) ||
			(search != "" && strings.Contains(wf.Search, search)) {
			return wf, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAPI) ListWorkflows(_ context.Context, _ int, _ int64) ([]*store.Workflow, error) {
	var out []*store.Workflow
	for _, wf := range f.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (f *fakeAPI) UpdateWorkflow(_ context.Context, id int64, fields store.UpdateWorkflowFields) (*store.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if fields.Name != nil {
		wf.Name = *fields.Name
	}
	if fields.Search != nil {
		wf.Search = *fields.Search
	}
	if fields.Steps != nil {
		wf.Steps = fields.Steps
	}
	return wf, nil
}

func (f *fakeAPI) DeleteWorkflow(_ context.Context, id int64) error {
	if _, ok := f.workflows[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.workflows, id)
	return nil
}

func (f *fakeAPI) GetExecution(_ context.Context, id int64) (*store.WorkflowExecution, error) {
	ex, ok := f.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ex, nil
}

func (f *fakeAPI) ListExecutions(_ context.Context, workflowID int64, _ int, _ int64) ([]*store.WorkflowExecution, error) {
	var out []*store.WorkflowExecution
	for _, ex := range f.executions {
		if workflowID > 0 && ex.WorkflowID != workflowID {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

func (f *fakeAPI) CreateFile(_ context.Context, file *store.File) (int64, error) {
	id := f.id()
	file.ID = id
	f.files[id] = file
	return id, nil
}

func (f *fakeAPI) GetFile(_ context.Context, id int64) (*store.File, error) {
	file, ok := f.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return file, nil
}

func (f *fakeAPI) ListFiles(_ context.Context, _ int, _ int64) ([]*store.File, error) {
	var out []*store.File
	for _, file := range f.files {
		out = append(out, file)
	}
	return out, nil
}

func (f *fakeAPI) DeleteFile(_ context.Context, id int64) error {
	if _, ok := f.files[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.files, id)
	return nil
}

// EnqueueJobs lets the fake double as the planner's store.
func (f *fakeAPI) EnqueueJobs(_ context.Context, jobs []*store.Job, execution *store.WorkflowExecution) error {
	for _, job := range jobs {
		job.ID = f.id()
		f.jobs[job.ID] = job
	}
	if execution != nil {
		execution.ID = f.id()
		f.executions[execution.ID] = execution
	}
	return nil
}

// fakeCanceller records pool cancellations.
type fakeCanceller struct {
	cancelled []int64
}

func (f *fakeCanceller) Cancel(jobID int64) bool {
	f.cancelled = append(f.cancelled, jobID)
	return true
}

func testRouter(t *testing.T) (*fakeAPI, *fakeCanceller, http.Handler) {
	t.Helper()
	api := newFakeAPI()
	canceller := &fakeCanceller{}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	handlers := NewHandlers(HandlersConfig{
		Store:      api,
		Planner:    workflow.NewPlanner(api),
		Pool:       canceller,
		Objects:    storage.NewMemoryStore(),
		Bucket:     "primary",
		PresignTTL: time.Hour,
		Logger:     logger,
	})
	return api, canceller, NewRouter(handlers, logger, DefaultConfig())
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, _, router := testRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateEdit(t *testing.T) {
	api, _, router := testRouter(t)

	body := `{
		"media": "https://cdn.example.com/in.mp4",
		"operations": [{"op": "trim", "data": {"start_sec": 0, "end_sec": 10}}]
	}`
	rec := doJSON(t, router, http.MethodPost, "/edits", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp EditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "https://cdn.example.com/in.mp4", resp.Media)

	require.Len(t, api.jobs, 1)
	for _, job := range api.jobs {
		assert.Equal(t, store.StatusQueued, job.Status)
		assert.Equal(t, resp.ID, job.UID)
	}
}

func TestCreateEditUnknownOpIs400(t *testing.T) {
	api, _, router := testRouter(t)

	body := `{"media": "in.mp4", "operations": [{"op": "resize", "data": {}}]}`
	rec := doJSON(t, router, http.MethodPost, "/edits", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_REQUEST")
	assert.Empty(t, api.jobs)
}

func TestCreateEditConcatSingleInputIs400(t *testing.T) {
	api, _, router := testRouter(t)

	body := `{"media": "in.mp4", "operations": [{"op": "concat", "data": {"input_paths": ["a.mp4"]}}]}`
	rec := doJSON(t, router, http.MethodPost, "/edits", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "at least 2")
	assert.Empty(t, api.jobs)
}

func TestCreateEditMissingMediaIs400(t *testing.T) {
	_, _, router := testRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/edits", `{"operations": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEdit(t *testing.T) {
	api, _, router := testRouter(t)
	api.jobs[1] = &store.Job{ID: 1, UID: "u1", Status: store.StatusQueued}

	rec := doJSON(t, router, http.MethodGet, "/edits/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/edits/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryEditResetsErrorState(t *testing.T) {
	api, _, router := testRouter(t)
	api.jobs[5] = &store.Job{ID: 5, UID: "u5", Status: store.StatusError, Error: "engine exited", Retries: 2}

	rec := doJSON(t, router, http.MethodPost, "/edits/5/retry", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	job := api.jobs[5]
	assert.Equal(t, store.StatusQueued, job.Status)
	assert.Empty(t, job.Error)
	assert.Zero(t, job.Retries)
}

func TestRetryEditRejectsRunningJob(t *testing.T) {
	api, _, router := testRouter(t)
	api.jobs[6] = &store.Job{ID: 6, UID: "u6", Status: store.StatusProcessing}

	rec := doJSON(t, router, http.MethodPost, "/edits/6/retry", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelEditUpdatesRowAndDispatchesToPool(t *testing.T) {
	api, canceller, router := testRouter(t)
	api.jobs[7] = &store.Job{ID: 7, UID: "u7", Status: store.StatusProcessing}

	rec := doJSON(t, router, http.MethodPost, "/edits/7/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, store.StatusCancelled, api.jobs[7].Status)
	assert.Equal(t, []int64{7}, canceller.cancelled)
}

func TestUpdateEditValidatesStatus(t *testing.T) {
	api, _, router := testRouter(t)
	api.jobs[8] = &store.Job{ID: 8, UID: "u8", Status: store.StatusQueued}

	rec := doJSON(t, router, http.MethodPatch, "/edits/8", `{"status": "galloping"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPatch, "/edits/8", `{"status": "cancelled", "progress": 40}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusCancelled, api.jobs[8].Status)
	assert.Equal(t, 40, api.jobs[8].Progress)
}

func TestCreateWorkflowValidatesSteps(t *testing.T) {
	api, _, router := testRouter(t)

	body := `{
		"name": "shorts",
		"steps": [
			[{"op": "trim", "data": {"start_sec": 0, "end_sec": 10}}],
			[{"op": "gif", "data": {}}]
		]
	}`
	rec := doJSON(t, router, http.MethodPost, "/workflows", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, api.workflows, 1)

	bad := `{"name": "broken", "steps": [[{"op": "nope"}]]}`
	rec = doJSON(t, router, http.MethodPost, "/workflows", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, api.workflows, 1)
}

func TestExecuteWorkflowPlansJobChain(t *testing.T) {
	api, _, router := testRouter(t)
	api.workflows[3] = &store.Workflow{
		ID:   3,
		Name: "two-step",
		Steps: [][]store.Operation{
			{{Op: "trim", Data: []byte(`{"start_sec":0,"end_sec":10}`)}},
			{{Op: "extractAudio"}},
		},
	}

	rec := doJSON(t, router, http.MethodPost, "/workflows/execute?media=https%3A%2F%2Fcdn.example.com%2Fin.mp4&id=3", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp WorkflowExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Workflows, 2)

	require.Len(t, api.jobs, 2)
	versions := map[int]string{}
	for _, job := range api.jobs {
		versions[job.OutputVersion] = job.Input
	}
	assert.Equal(t, "https://cdn.example.com/in.mp4", versions[0])
	assert.Empty(t, versions[1])
	require.Len(t, api.executions, 1)
}

func TestExecuteWorkflowRequiresSelector(t *testing.T) {
	_, _, router := testRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/workflows/execute?media=in.mp4", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryWorkflowRequeuesFinishedJobs(t *testing.T) {
	api, _, router := testRouter(t)
	api.workflows[4] = &store.Workflow{ID: 4, Name: "wf"}
	api.jobs[1] = &store.Job{ID: 1, UID: "uid-wf", Status: store.StatusError}
	api.jobs[2] = &store.Job{ID: 2, UID: "uid-wf", Status: store.StatusCompleted}

	body := fmt.Sprintf(`{"uid": %q}`, "3b241101-e2bb-4255-8caf-4136c566a962")
	// The fake matches on the literal uid, so store jobs under it.
	api.jobs[1].UID = "3b241101-e2bb-4255-8caf-4136c566a962"
	api.jobs[2].UID = "3b241101-e2bb-4255-8caf-4136c566a962"

	rec := doJSON(t, router, http.MethodPost, "/workflows/4/retry", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp WorkflowRetryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Requeued)
	assert.Equal(t, store.StatusQueued, api.jobs[1].Status)
	assert.Equal(t, store.StatusCompleted, api.jobs[2].Status)
}

func TestDeleteWorkflow(t *testing.T) {
	api, _, router := testRouter(t)
	api.workflows[9] = &store.Workflow{ID: 9, Name: "gone"}

	rec := doJSON(t, router, http.MethodDelete, "/workflows/9", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, api.workflows)

	rec = doJSON(t, router, http.MethodDelete, "/workflows/9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutionJobs(t *testing.T) {
	api, _, router := testRouter(t)
	api.executions[2] = &store.WorkflowExecution{ID: 2, WorkflowID: 1, UID: "uid-x"}
	api.jobs[1] = &store.Job{ID: 1, UID: "uid-x", Status: store.StatusCompleted}
	api.jobs[2] = &store.Job{ID: 2, UID: "other", Status: store.StatusQueued}

	rec := doJSON(t, router, http.MethodGet, "/workflows/executions/2/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ExecutionJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "uid-x", resp.UID)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, int64(1), resp.Jobs[0].ID)
}

func TestStreamEditsEmitsJobUpdates(t *testing.T) {
	api, _, router := testRouter(t)
	api.jobs[1] = &store.Job{
		ID: 1, UID: "uid-s", Status: store.StatusProcessing, Progress: 40,
		UpdatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/edits/status?uid=uid-s", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: job_update")
	assert.Contains(t, body, `"uid":"uid-s"`)
	// A row whose updated_at never changes is emitted exactly once.
	assert.Equal(t, 1, strings.Count(body, "event: job_update"))
}

func TestStreamEditsRequiresUID(t *testing.T) {
	_, _, router := testRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/edits/status", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Package server provides the HTTP surface of the platform: edit and
// workflow endpoints, the SSE progress stream, bucket file management, and
// the middleware chain. DTOs are separated from domain types.
package server

import (
	"encoding/json"

	"github.com/clipkit/clipkit/internal/store"
)

// OperationDTO is the wire form of one edit operation.
type OperationDTO struct {
	// Op selects the compiler method.
	Op string `json:"op" validate:"required"`
	// Data is the op-specific payload, validated against its schema.
	Data json.RawMessage `json:"data,omitempty"`
}

// toOperations converts wire operations to the domain representation.
func toOperations(dtos []OperationDTO) []store.Operation {
	ops := make([]store.Operation, len(dtos))
	for i, dto := range dtos {
		ops[i] = store.Operation{Op: dto.Op, Data: dto.Data}
	}
	return ops
}

// EditRequest is the body of POST /edits.
type EditRequest struct {
	// Media is the source URL the recipe applies to.
	Media string `json:"media" validate:"required"`
	// Operations is the ordered recipe.
	Operations []OperationDTO `json:"operations" validate:"required,min=1,dive"`
}

// EditResponse echoes an accepted edit with its execution uid.
type EditResponse struct {
	ID         string         `json:"id"`
	Media      string         `json:"media"`
	Operations []OperationDTO `json:"operations"`
}

// EditListResponse is the body of GET /edits.
type EditListResponse struct {
	Edits []*store.Job `json:"edits"`
	Total int          `json:"total"`
}

// EditUpdateRequest is the body of PATCH /edits/{id}.
type EditUpdateRequest struct {
	Status   *string `json:"status,omitempty"`
	Progress *int    `json:"progress,omitempty" validate:"omitempty,min=0,max=100"`
	Error    *string `json:"error,omitempty"`
}

// WorkflowCreateRequest is the body of POST /workflows.
type WorkflowCreateRequest struct {
	Name   string           `json:"name" validate:"required"`
	Steps  [][]OperationDTO `json:"steps" validate:"required,min=1"`
	Search string           `json:"search,omitempty"`
}

// WorkflowUpdateRequest is the body of PATCH /workflows/{id}.
type WorkflowUpdateRequest struct {
	Name   *string          `json:"name,omitempty"`
	Search *string          `json:"search,omitempty"`
	Steps  [][]OperationDTO `json:"steps,omitempty"`
}

// WorkflowListResponse is the body of GET /workflows.
type WorkflowListResponse struct {
	Workflows []*store.Workflow `json:"workflows"`
	Total     int               `json:"total"`
}

// WorkflowStepResponse describes one planned step of an execution.
type WorkflowStepResponse struct {
	UID        string            `json:"uid"`
	Media      string            `json:"media"`
	Operations []store.Operation `json:"operations"`
}

// WorkflowExecuteResponse is the body of POST /workflows/execute.
type WorkflowExecuteResponse struct {
	Workflows []WorkflowStepResponse `json:"workflows"`
}

// WorkflowRetryRequest is the body of POST /workflows/{id}/retry.
type WorkflowRetryRequest struct {
	UID string `json:"uid" validate:"required,uuid"`
}

// WorkflowRetryResponse reports how many jobs were requeued.
type WorkflowRetryResponse struct {
	UID        string       `json:"uid"`
	WorkflowID int64        `json:"workflow_id"`
	Requeued   int          `json:"requeued"`
	Jobs       []*store.Job `json:"jobs"`
}

// ExecutionListResponse is the body of the execution listing endpoints.
type ExecutionListResponse struct {
	Executions []*store.WorkflowExecution `json:"executions"`
	Total      int                        `json:"total"`
}

// ExecutionJobsResponse is the body of GET /workflows/executions/{id}/jobs.
type ExecutionJobsResponse struct {
	UID  string       `json:"uid"`
	Jobs []*store.Job `json:"jobs"`
}

// FileResponse describes a registered bucket file.
type FileResponse struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Type     string `json:"type"`
	URL      string `json:"url"`
}

// FileListResponse is the body of GET /bucket/.
type FileListResponse struct {
	Files []FileResponse `json:"files"`
	Total int            `json:"total"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

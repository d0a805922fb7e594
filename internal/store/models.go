// Package store provides the Postgres persistence layer: job rows with the
// atomic skip-locked dequeue the worker pool depends on, workflows and their
// executions, and registered bucket files.
package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job row.
type Status string

// Job statuses as persisted in jobs.status.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusError      Status = "error"
)

// Valid reports whether s is a known status literal.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Operation is one step of a job's action list: a tagged payload whose op
// name selects the compiler method.
type Operation struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutputFile describes the artifact a completed job produced.
type OutputFile struct {
	Filename     string `json:"filename"`
	VideoFormat  string `json:"video_format"`
	AudioFormat  string `json:"audio_format"`
	AudioBitrate string `json:"audio_bitrate"`
}

// Job is the unit of work. Jobs sharing a uid form a DAG chain ordered by
// OutputVersion; a job with OutputVersion k > 0 consumes the output of the
// job at k-1.
type Job struct {
	ID            int64       `json:"id"`
	UID           string      `json:"uid"`
	Input         string      `json:"input"`
	Action        []Operation `json:"action"`
	Status        Status      `json:"status"`
	OutputVersion int         `json:"output_version"`
	Output        *OutputFile `json:"output,omitempty"`
	Retries       int         `json:"retries"`
	Error         string      `json:"error,omitempty"`
	Progress      int         `json:"progress"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Workflow is a reusable named recipe: an ordered list of steps, each an
// ordered list of operations.
type Workflow struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Search    string        `json:"search,omitempty"`
	Steps     [][]Operation `json:"steps"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// WorkflowExecution links one run of a workflow to the uid shared by the jobs
// it expanded into.
type WorkflowExecution struct {
	ID           int64     `json:"id"`
	WorkflowID   int64     `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name,omitempty"`
	UID          string    `json:"uid"`
	Progress     int       `json:"progress"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// File is a registered object-store output or upload.
type File struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Bucketname string    `json:"bucketname"`
	Filetype   string    `json:"filetype,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Download records a completed external download for de-duplication, keyed by
// (external_url, quality, format, audio_only).
type Download struct {
	ID          int64     `json:"id"`
	ExternalURL string    `json:"external_url"`
	RemoteID    string    `json:"remote_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Filename    string    `json:"filename"`
	Bucketname  string    `json:"bucketname"`
	Quality     string    `json:"quality"`
	Format      string    `json:"format,omitempty"`
	AudioOnly   bool      `json:"audio_only"`
	CreatedAt   time.Time `json:"created_at"`
}

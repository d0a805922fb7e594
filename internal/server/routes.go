package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// MetricsHandler serves GET /metrics when non-nil.
	MetricsHandler http.Handler
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("POST /edits", h.CreateEdit)
	mux.HandleFunc("GET /edits", h.ListEdits)
	mux.HandleFunc("GET /edits/status", h.StreamEdits)
	mux.HandleFunc("GET /edits/{id}", h.GetEdit)
	mux.HandleFunc("PATCH /edits/{id}", h.UpdateEdit)
	mux.HandleFunc("POST /edits/{id}/retry", h.RetryEdit)
	mux.HandleFunc("POST /edits/{id}/cancel", h.CancelEdit)

	mux.HandleFunc("POST /workflows", h.CreateWorkflow)
	mux.HandleFunc("GET /workflows", h.ListWorkflows)
	mux.HandleFunc("POST /workflows/execute", h.ExecuteWorkflow)
	mux.HandleFunc("GET /workflows/executions", h.ListExecutions)
	mux.HandleFunc("GET /workflows/executions/{id}/jobs", h.ListExecutionJobs)
	mux.HandleFunc("GET /workflows/{id}", h.GetWorkflow)
	mux.HandleFunc("GET /workflows/{id}/executions", h.ListWorkflowExecutions)
	mux.HandleFunc("PATCH /workflows/{id}", h.UpdateWorkflow)
	mux.HandleFunc("DELETE /workflows/{id}", h.DeleteWorkflow)
	mux.HandleFunc("POST /workflows/{id}/retry", h.RetryWorkflow)

	mux.HandleFunc("POST /bucket/upload", h.UploadFile)
	mux.HandleFunc("GET /bucket/{$}", h.ListFiles)
	mux.HandleFunc("DELETE /bucket/files/{id}", h.DeleteFile)

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clipkit/clipkit/internal/store"
)

// streamPollInterval is how often the SSE stream re-reads the job rows.
const streamPollInterval = 2 * time.Second

// StreamEdits handles GET /edits/status?uid=…: a server-sent event stream of
// job_update records for the given execution uid. An event is emitted
// whenever a job row's updated_at changes; the stream ends when the client
// disconnects.
func (h *Handlers) StreamEdits(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "uid is required", "VALIDATION_ERROR")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "STREAM_FAILED")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastSeen := make(map[int64]time.Time)
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		jobs, err := h.store.ListJobs(r.Context(), store.JobFilter{UID: uid, Limit: 100})
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			h.logger.Warn("stream poll failed",
				slog.String("uid", uid),
				slog.String("error", err.Error()),
			)
		}
		for _, job := range jobs {
			if last, ok := lastSeen[job.ID]; ok && last.Equal(job.UpdatedAt) {
				continue
			}
			lastSeen[job.ID] = job.UpdatedAt

			payload, err := json.Marshal(job)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: job_update\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

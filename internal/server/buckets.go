package server

import (
	"log/slog"
	"net/http"

	"github.com/clipkit/clipkit/internal/store"
)

// maxUploadBytes bounds multipart uploads to the bucket.
const maxUploadBytes = 2 << 30 // 2 GiB

// UploadFile handles POST /bucket/upload: register the file row and store the
// object under the primary bucket.
func (h *Handlers) UploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required", "INVALID_UPLOAD")
		return
	}
	defer func() { _ = file.Close() }()

	name := header.Filename
	if name == "" {
		writeError(w, http.StatusBadRequest, "uploaded file needs a filename", "INVALID_UPLOAD")
		return
	}

	id, err := h.store.CreateFile(r.Context(), &store.File{
		Name:       name,
		Bucketname: h.bucket,
		Filetype:   header.Header.Get("Content-Type"),
	})
	if err != nil {
		h.logger.Error("failed to register upload", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to register upload", "UPLOAD_FAILED")
		return
	}

	if err := h.objects.Put(r.Context(), h.bucket, name, file); err != nil {
		h.logger.Error("failed to store upload",
			slog.String("filename", name),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to store upload", "UPLOAD_FAILED")
		return
	}

	url, err := h.objects.PresignGet(r.Context(), h.bucket, name, h.presignTTL)
	if err != nil {
		h.logger.Error("failed to presign upload", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to presign upload", "UPLOAD_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, FileResponse{
		ID:       id,
		Filename: name,
		Type:     header.Header.Get("Content-Type"),
		URL:      url,
	})
}

// ListFiles handles GET /bucket/ with presigned GET URLs per file.
func (h *Handlers) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.store.ListFiles(r.Context(), queryInt(r, "limit", 20), int64(queryInt(r, "last_id", 0)))
	if err != nil {
		h.logger.Error("failed to list files", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list files", "LIST_FAILED")
		return
	}

	out := make([]FileResponse, 0, len(files))
	for _, f := range files {
		url, err := h.objects.PresignGet(r.Context(), f.Bucketname, f.Name, h.presignTTL)
		if err != nil {
			h.logger.Warn("failed to presign file",
				slog.String("filename", f.Name),
				slog.String("error", err.Error()),
			)
			url = ""
		}
		out = append(out, FileResponse{
			ID:       f.ID,
			Filename: f.Name,
			Type:     f.Filetype,
			URL:      url,
		})
	}
	writeJSON(w, http.StatusOK, FileListResponse{Files: out, Total: len(out)})
}

// DeleteFile handles DELETE /bucket/files/{id}: the row goes first, then the
// object; if the object delete fails, the object stays in the bucket without
// a registration.
func (h *Handlers) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f, err := h.store.GetFile(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "file")
		return
	}
	if err := h.store.DeleteFile(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "file")
		return
	}
	if err := h.objects.Delete(r.Context(), f.Bucketname, f.Name); err != nil {
		h.logger.Error("failed to delete object",
			slog.String("filename", f.Name),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "error occurred while deleting the file", "DELETE_FAILED")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

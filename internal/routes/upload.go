package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/ingest/internal/upload"
)

// Fields consumed by the chunk handler itself; every other form value is passed on as
// an extra field.
var chunkFormFields = map[string]bool{
	"uploadId":         true,
	"chunkIndex":       true,
	"totalChunks":      true,
	"originalFileName": true,
}

func (h *Handlers) UploadRoutes(r chi.Router) {
	r.Post("/api/upload/chunk", h.handleUploadChunk)
	r.Post("/api/upload/finalize", h.handleFinalize)
	r.Get("/api/upload/{uploadId}", h.handleUploadStatus)
}

func (h *Handlers) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxChunkBytes+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "chunk_too_large", "Chunk exceeds the maximum chunk size", nil)
			return
		}
		badRequest(w, "chunk", "Invalid multipart upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	chunkIndex, ok := intFormValue(r, "chunkIndex")
	if !ok {
		badRequest(w, "chunkIndex", "chunkIndex must be an integer")
		return
	}
	totalChunks, ok := intFormValue(r, "totalChunks")
	if !ok {
		badRequest(w, "totalChunks", "totalChunks must be an integer")
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		badRequest(w, "chunk", "No chunk uploaded")
		return
	}
	defer file.Close()

	extra := make(map[string]string)
	for key, values := range r.MultipartForm.Value {
		if chunkFormFields[key] || len(values) == 0 {
			continue
		}
		extra[key] = values[0]
	}

	progress, err := h.uploads.RegisterChunk(upload.ChunkRequest{
		UploadID:         r.FormValue("uploadId"),
		ChunkIndex:       chunkIndex,
		TotalChunks:      totalChunks,
		OriginalFileName: r.FormValue("originalFileName"),
		ExtraFields:      extra,
		Body:             file,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

func (h *Handlers) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.uploads.Status(chi.URLParam(r, "uploadId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type finalizeBody struct {
	UploadID         string `json:"uploadId"`
	TotalChunks      int    `json:"totalChunks"`
	OriginalFileName string `json:"originalFileName"`
}

func (h *Handlers) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var body finalizeBody
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, "body", "Invalid JSON body")
		return
	}

	res, err := h.ingest.Ingest(r.Context(), upload.FinalizeRequest{
		UploadID:         body.UploadID,
		TotalChunks:      body.TotalChunks,
		OriginalFileName: body.OriginalFileName,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

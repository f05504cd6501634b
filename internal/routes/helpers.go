package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/coah80/ingest/internal/compress"
	"github.com/coah80/ingest/internal/jobs"
	"github.com/coah80/ingest/internal/records"
	"github.com/coah80/ingest/internal/upload"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	body := map[string]interface{}{"error": message, "code": code}
	for k, v := range details {
		body[k] = v
	}
	respondJSON(w, status, body)
}

// writeError maps the domain error taxonomy onto status codes. Anything it does not
// recognise is a 500 with a generic message.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var (
		validation *upload.ValidationError
		incomplete *upload.IncompleteUploadError
		corrupt    *upload.CorruptChunkError
	)
	switch {
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error(), map[string]interface{}{"field": validation.Field})
	case errors.Is(err, upload.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error(), nil)
	case errors.As(err, &incomplete):
		respondError(w, http.StatusConflict, "incomplete_upload", err.Error(), map[string]interface{}{"missing": incomplete.Missing})
	case errors.As(err, &corrupt):
		respondError(w, http.StatusUnprocessableEntity, "corrupt_chunk", err.Error(), map[string]interface{}{"chunkIndex": corrupt.Index})
	case errors.Is(err, upload.ErrReassemblyFailed):
		respondError(w, http.StatusInternalServerError, "reassembly_failed", "Upload could not be reassembled. Please restart the upload.", map[string]interface{}{"restart": true})
	case errors.Is(err, compress.ErrCompressionFailed):
		respondError(w, http.StatusInternalServerError, "compression_failed", "Audio could not be compressed.", nil)
	case errors.Is(err, jobs.ErrJobExists):
		respondError(w, http.StatusConflict, "job_exists", err.Error(), nil)
	case errors.Is(err, jobs.ErrJobUnknown):
		respondError(w, http.StatusNotFound, "job_not_found", err.Error(), nil)
	case errors.Is(err, records.ErrNotFound):
		respondError(w, http.StatusNotFound, "record_not_found", err.Error(), nil)
	default:
		h.log.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "Internal server error", nil)
	}
}

func badRequest(w http.ResponseWriter, field, message string) {
	respondError(w, http.StatusBadRequest, "validation_error", message, map[string]interface{}{"field": field})
}

func intFormValue(r *http.Request, key string) (int, bool) {
	n, err := strconv.Atoi(r.FormValue(key))
	if err != nil {
		return 0, false
	}
	return n, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(dst)
}

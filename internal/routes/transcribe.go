package routes

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coah80/ingest/internal/jobs"
)

func (h *Handlers) TranscribeRoutes(r chi.Router) {
	r.Post("/api/records/{recordId}/transcribe", h.handleStartTranscription)
	r.Get("/api/transcribe/{jobId}", h.handleJobStatus)
}

type startBody struct {
	JobID string `json:"jobId"`
}

func (h *Handlers) handleStartTranscription(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := decodeJSON(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "body", "Invalid JSON body")
		return
	}
	if body.JobID == "" {
		body.JobID = uuid.New().String()
	}

	rec, err := h.records.Get(r.Context(), chi.URLParam(r, "recordId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if rec.AudioURL == "" {
		badRequest(w, "recordId", "Record has no audio to transcribe")
		return
	}

	job, err := h.jobs.Start(body.JobID, rec.ID, rec.AudioURL)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId": job.ID,
		"state": job.State,
	})
}

type jobStatus struct {
	jobs.Job
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

func (h *Handlers) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "jobId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	end := h.now()
	if job.State.Terminal() {
		end = job.LastUpdatedAt
	}
	respondJSON(w, http.StatusOK, jobStatus{
		Job:            job,
		ElapsedSeconds: end.Sub(job.StartedAt).Round(time.Millisecond).Seconds(),
	})
}

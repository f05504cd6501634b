package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handlers) RecordRoutes(r chi.Router) {
	r.Get("/api/records/{recordId}", h.handleGetRecord)
}

func (h *Handlers) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.Get(r.Context(), chi.URLParam(r, "recordId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

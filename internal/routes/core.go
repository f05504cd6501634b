package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/ingest/internal/config"
	"github.com/coah80/ingest/internal/util"
)

func (h *Handlers) CoreRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	body := map[string]interface{}{
		"version": config.Version,
		"jobs":    h.jobs.Counts(),
	}

	if err := h.records.Ping(ctx); err != nil {
		h.log.Warn("record store ping failed", "error", err)
		status = "degraded"
		body["database"] = "unavailable"
	} else {
		body["database"] = "ok"
	}

	if disk, err := util.GetDiskSpace(h.cfg.DataDir); err == nil {
		body["disk"] = disk
		if disk.AvailGB < config.DiskSpaceMinGB {
			status = "degraded"
		}
	}

	body["status"] = status
	respondJSON(w, http.StatusOK, body)
}

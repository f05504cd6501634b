package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coah80/ingest/internal/config"
	"github.com/coah80/ingest/internal/middleware"
	"github.com/coah80/ingest/internal/routes"
	"github.com/coah80/ingest/internal/storage"
)

// New wires the middleware stack, the API routes, /metrics and the media file server.
func New(cfg *config.Config, h *routes.Handlers, limiter *middleware.RateLimiter, logger hclog.Logger) *http.Server {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)
	r.Use(middleware.LoadCORS(cfg.CORSOriginsFile, logger))

	r.Handle("/metrics", promhttp.Handler())
	mountMedia(r, cfg.MediaDir)

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		h.CoreRoutes(r)
		h.UploadRoutes(r)
		h.TranscribeRoutes(r)
		h.RecordRoutes(r)
	})

	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// mountMedia serves persisted audio. Directory listings are not exposed.
func mountMedia(r chi.Router, dir string) {
	fileServer := http.StripPrefix(storage.MediaPrefix, http.FileServer(http.Dir(dir)))
	r.Get(storage.MediaPrefix+"*", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func PrintBanner(cfg *config.Config) {
	fmt.Printf(`
  ┌──────────────────────────────────┐
  │         ingest %s            │
  │   audio upload + transcription   │
  └──────────────────────────────────┘
  port %s  media %s
`, padVersion(config.Version), cfg.Port, cfg.MediaDir)
}

func padVersion(v string) string {
	for len(v) < 10 {
		v += " "
	}
	return v
}

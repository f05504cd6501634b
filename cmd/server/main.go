package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"

	"github.com/coah80/ingest/internal/alerts"
	"github.com/coah80/ingest/internal/compress"
	"github.com/coah80/ingest/internal/config"
	"github.com/coah80/ingest/internal/ingest"
	"github.com/coah80/ingest/internal/jobs"
	"github.com/coah80/ingest/internal/middleware"
	"github.com/coah80/ingest/internal/records"
	"github.com/coah80/ingest/internal/routes"
	"github.com/coah80/ingest/internal/server"
	"github.com/coah80/ingest/internal/storage"
	"github.com/coah80/ingest/internal/transcribe"
	"github.com/coah80/ingest/internal/upload"
	"github.com/coah80/ingest/internal/util"
)

func main() {
	godotenv.Load()

	cfg := config.Load()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "ingest",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger hclog.Logger) error {
	dirs := cfg.Dirs()
	if err := util.EnsureDirs(dirs); err != nil {
		return err
	}
	if !util.CheckDependencies(cfg.FFmpegPath, logger.Named("deps")) {
		logger.Warn("ffmpeg unavailable, uploads over the target size will fail to compress")
	}

	recordStore, err := records.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer recordStore.Close()

	uploads, err := upload.NewStore(upload.Options{
		Dir:               dirs["upload"],
		AssembledDir:      dirs["assembled"],
		InMemoryThreshold: cfg.InMemoryAssemblyBytes,
		MaxChunks:         cfg.MaxChunks,
		Logger:            logger.Named("upload"),
	})
	if err != nil {
		return err
	}

	engine, err := compress.NewEngine(compress.FFmpeg{Path: cfg.FFmpegPath}, dirs["compress"], logger.Named("compress"))
	if err != nil {
		return err
	}
	media, err := storage.NewLocal(cfg.MediaDir, cfg.PublicBaseURL)
	if err != nil {
		return err
	}
	notifier, err := alerts.New(cfg, logger.Named("alerts"))
	if err != nil {
		return err
	}

	tracker, err := jobs.NewTracker(jobs.TrackerOptions{
		Transcriber:   transcribe.New(cfg, transcribe.WithLogger(logger.Named("transcribe"))),
		Records:       recordStore,
		Alerter:       notifier,
		MaxConcurrent: cfg.MaxConcurrentTranscriptions,
		Retention:     cfg.JobRetention,
		Logger:        logger.Named("jobs"),
	})
	if err != nil {
		return err
	}
	stalls, err := jobs.NewStallDetector(jobs.StallOptions{
		Store:       recordStore,
		Threshold:   cfg.StallThreshold,
		Interval:    cfg.StallScanInterval,
		Placeholder: cfg.StallPlaceholder,
		Tracker:     tracker,
		Logger:      logger.Named("stall"),
	})
	if err != nil {
		return err
	}

	orchestrator, err := ingest.New(ingest.Options{
		Uploads:                   uploads,
		Compressor:                engine,
		Media:                     media,
		Records:                   recordStore,
		Jobs:                      tracker,
		Alerter:                   notifier,
		TargetSizeBytes:           cfg.TargetSizeBytes,
		MaxConcurrentCompressions: cfg.MaxConcurrentCompressions,
		AutoTranscribe:            cfg.AutoTranscribe,
		Logger:                    logger.Named("ingest"),
	})
	if err != nil {
		return err
	}

	handlers, err := routes.NewHandlers(routes.Options{
		Config:  cfg,
		Uploads: uploads,
		Ingest:  orchestrator,
		Jobs:    tracker,
		Records: recordStore,
		Logger:  logger.Named("http"),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := middleware.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	limiter.StartCleanup(time.Minute, ctx.Done())
	uploads.StartReaper(5*time.Minute, cfg.UploadSessionTTL, ctx.Done())
	go stalls.Run(ctx)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				util.CleanupOldFiles(dirs["compress"], time.Hour, logger.Named("cleanup"))
				util.CleanupOldFiles(dirs["assembled"], cfg.UploadSessionTTL, logger.Named("cleanup"))
			case <-ctx.Done():
				return
			}
		}
	}()

	srv := server.New(cfg, handlers, limiter, logger.Named("server"))
	server.PrintBanner(cfg)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	notifier.ServerStarted(cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	notifier.ServerStopping()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	cancel()
	if err := tracker.Wait(shutdownCtx); err != nil {
		logger.Warn("transcription tasks still running at exit", "error", err)
	}
	logger.Info("stopped")
	return nil
}

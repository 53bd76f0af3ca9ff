package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/api"
	"github.com/einoworld/chunk-service/catalog"
	"github.com/einoworld/chunk-service/config"
	"github.com/einoworld/chunk-service/db"
	"github.com/einoworld/chunk-service/pipeline"
	"github.com/einoworld/chunk-service/pubsub"
	"github.com/einoworld/chunk-service/storage"
	"github.com/einoworld/chunk-service/store"
	"github.com/einoworld/chunk-service/upload"
	"github.com/einoworld/chunk-service/watcher"
)

func main() {
	cfg := config.Load()

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	gormDB, err := db.Init(cfg)
	if err != nil {
		logger.Fatalw("failed to initialize database", "error", err)
	}
	ledger := store.NewGormStore(gormDB)

	objects, err := storage.NewMinioStore(cfg)
	if err != nil {
		logger.Fatalw("failed to connect to object storage", "error", err)
	}

	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		logger.Fatalw("failed to create scratch dir", "path", cfg.ScratchDir, "error", err)
	}

	var queue *pubsub.Queue
	queue, err = pubsub.NewQueue(cfg, logger)
	if err != nil {
		if cfg.UseQueue {
			logger.Fatalw("failed to connect to redis", "error", err)
		}
		logger.Warnw("redis unavailable, progress publishing disabled", "error", err)
		queue = nil
	}

	cat := catalog.NewClient(cfg.CatalogBaseURL, logger)
	ffmpeg := pipeline.NewFFmpeg(logger)
	tracker := pipeline.NewTracker(ledger, cat, logger)
	previews := pipeline.NewPreviewer(ledger, objects, ffmpeg, cfg.TemplateImagesPath, cfg.ScratchDir, logger)

	var progress pipeline.Progress
	if queue != nil {
		progress = queue
	}
	media := pipeline.NewMedia(ledger, objects, ffmpeg, tracker, cat, progress,
		cfg.ScratchDir, cfg.WorkerName, cfg.LeaseTTL, logger)
	orch := pipeline.NewOrchestrator(ledger, objects, cat, previews, ffmpeg,
		cfg.WorkerName, cfg.LeaseTTL, cfg.ScratchDir, logger)
	runner := pipeline.NewRunner(orch, media, logger)

	var dispatch pipeline.Dispatcher
	if cfg.UseQueue {
		dispatch = pipeline.NewQueuedDispatcher(queue)
		logger.Infow("dispatching pipeline tasks to queue")
	} else {
		dispatch = pipeline.NewInlineDispatcher(runner, cfg.MaxConcurrentJobs, logger)
		logger.Infow("dispatching pipeline tasks in-process", "max_jobs", cfg.MaxConcurrentJobs)
	}
	orch.SetDispatcher(dispatch)
	runner.SetDispatcher(dispatch)

	uploads := upload.NewCoordinator(ledger, objects, dispatch, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fsWatcher, err := watcher.New(cfg.ScratchDir, ledger, objects, tracker, logger)
	if err != nil {
		logger.Fatalw("failed to start filesystem watcher", "error", err)
	}
	go func() {
		if err := fsWatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("filesystem watcher stopped", "error", err)
		}
	}()

	// Resume whatever a previous process left mid-flight.
	go func() {
		if err := orch.Recover(ctx); err != nil {
			logger.Errorw("restart recovery scan failed", "error", err)
		}
	}()

	srv := api.NewServer(uploads, runner, logger).HTTPServer(cfg.Port)

	go func() {
		logger.Infow("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Infow("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("server shutdown failed", "error", err)
	}
	logger.Infow("server stopped")
}

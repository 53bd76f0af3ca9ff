package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/catalog"
	"github.com/einoworld/chunk-service/config"
	"github.com/einoworld/chunk-service/db"
	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/pipeline"
	"github.com/einoworld/chunk-service/pubsub"
	"github.com/einoworld/chunk-service/storage"
	"github.com/einoworld/chunk-service/store"
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

	queue, err := pubsub.NewQueue(cfg, logger)
	if err != nil {
		logger.Fatalw("failed to connect to redis", "error", err)
	}

	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		logger.Fatalw("failed to create scratch dir", "path", cfg.ScratchDir, "error", err)
	}

	cat := catalog.NewClient(cfg.CatalogBaseURL, logger)
	ffmpeg := pipeline.NewFFmpeg(logger)
	tracker := pipeline.NewTracker(ledger, cat, logger)
	previews := pipeline.NewPreviewer(ledger, objects, ffmpeg, cfg.TemplateImagesPath, cfg.ScratchDir, logger)

	media := pipeline.NewMedia(ledger, objects, ffmpeg, tracker, cat, queue,
		cfg.ScratchDir, cfg.WorkerName, cfg.LeaseTTL, logger)
	orch := pipeline.NewOrchestrator(ledger, objects, cat, previews, ffmpeg,
		cfg.WorkerName, cfg.LeaseTTL, cfg.ScratchDir, logger)
	runner := pipeline.NewRunner(orch, media, logger)

	// Follow-up tasks go back through the stream so any worker can pick
	// them up.
	dispatch := pipeline.NewQueuedDispatcher(queue)
	orch.SetDispatcher(dispatch)
	runner.SetDispatcher(dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Infow("shutdown signal received, stopping worker")
		cancel()
	}()

	fsWatcher, err := watcher.New(cfg.ScratchDir, ledger, objects, tracker, logger)
	if err != nil {
		logger.Fatalw("failed to start filesystem watcher", "error", err)
	}
	go func() {
		if err := fsWatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorw("filesystem watcher stopped", "error", err)
		}
	}()

	logger.Infow("worker started", "name", cfg.WorkerName)

	err = queue.Consume(ctx, func(task models.PipelineTask) error {
		logger.Infow("task received", "task_type", task.TaskType, "resource_id", task.ResourceID)
		if err := runner.Run(ctx, task); err != nil {
			logger.Errorw("task failed", "task_type", task.TaskType, "resource_id", task.ResourceID, "error", err)
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalw("worker error", "error", err)
	}

	logger.Infow("worker stopped")
}

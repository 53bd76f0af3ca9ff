package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
)

// Dispatcher hands a pipeline task to whatever executes it: the Redis
// stream when a worker fleet is running, or an in-process goroutine pool
// when the service runs standalone.
type Dispatcher interface {
	Dispatch(ctx context.Context, task models.PipelineTask) error
}

// Runner maps task types onto the pipeline entry points. Both the queue
// consumer and the push endpoint execute tasks through it, so retry
// semantics live in exactly one place.
type Runner struct {
	orch     *Orchestrator
	media    *Media
	dispatch Dispatcher
	log      *zap.SugaredLogger
}

func NewRunner(orch *Orchestrator, media *Media, log *zap.SugaredLogger) *Runner {
	return &Runner{orch: orch, media: media, log: log}
}

func (r *Runner) SetDispatcher(d Dispatcher) { r.dispatch = d }

// Run executes one task to completion. A conflict means another holder owns
// the resource's lease right now; the task is dropped rather than retried
// since the holder (or a retry after lease expiry) covers the same work.
func (r *Runner) Run(ctx context.Context, task models.PipelineTask) error {
	var err error
	switch task.TaskType {
	case models.TaskProcessFile:
		err = r.orch.Trigger(ctx, task.ResourceID)
	case models.TaskConvertToMP4:
		err = r.media.NormalizeToMP4(ctx, task.ResourceID)
		if err == nil {
			next := models.PipelineTask{TaskType: models.TaskProcessMedia, ResourceID: task.ResourceID}
			if derr := r.dispatch.Dispatch(ctx, next); derr != nil {
				r.log.Errorw("failed to chain media task", "resource_id", task.ResourceID, "error", derr)
			}
		}
	case models.TaskProcessMedia:
		err = r.media.BuildRenditions(ctx, task.ResourceID)
	case models.TaskGenerateDash:
		err = r.media.GenerateDash(ctx, task.ResourceID)
	default:
		return errs.ErrValidation
	}

	if errors.Is(err, errs.ErrConflict) {
		r.log.Infow("task dropped, resource busy", "task_type", task.TaskType, "resource_id", task.ResourceID)
		return nil
	}
	return err
}

// jobTimeout bounds one in-process pipeline job; long 1080p encodes of
// large uploads can legitimately take over an hour.
const jobTimeout = 2 * time.Hour

// InlineDispatcher runs tasks on background goroutines inside the API
// process, bounded by a weighted semaphore so parallel encodes cannot
// exhaust the host.
type InlineDispatcher struct {
	runner *Runner
	sem    *semaphore.Weighted
	log    *zap.SugaredLogger
}

func NewInlineDispatcher(runner *Runner, maxJobs int64, log *zap.SugaredLogger) *InlineDispatcher {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &InlineDispatcher{
		runner: runner,
		sem:    semaphore.NewWeighted(maxJobs),
		log:    log,
	}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, task models.PipelineTask) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer d.sem.Release(1)
		jobCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := d.runner.Run(jobCtx, task); err != nil {
			d.log.Errorw("background task failed",
				"task_type", task.TaskType, "resource_id", task.ResourceID, "error", err)
		}
	}()
	return nil
}

// Publisher is the queue side of dispatching, satisfied by pubsub.Queue.
type Publisher interface {
	Publish(ctx context.Context, task models.PipelineTask) error
}

// QueuedDispatcher publishes tasks to the stream for the worker fleet.
type QueuedDispatcher struct {
	queue Publisher
}

func NewQueuedDispatcher(queue Publisher) *QueuedDispatcher {
	return &QueuedDispatcher{queue: queue}
}

func (d *QueuedDispatcher) Dispatch(ctx context.Context, task models.PipelineTask) error {
	if err := d.queue.Publish(ctx, task); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDispatch, err)
	}
	return nil
}

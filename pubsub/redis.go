package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/config"
	"github.com/einoworld/chunk-service/errs"
	"github.com/einoworld/chunk-service/models"
)

const (
	TaskStream        = "pipeline:tasks"
	ConsumerGroup     = "pipeline-workers"
	ProgressKeyPrefix = "progress:"
)

// Queue is the durable task channel backed by Redis Streams. Delivery is
// at-least-once: consumers ack only after the handler succeeds, so crashed
// or failed work is redelivered through the pending-entries list.
type Queue struct {
	client   *redis.Client
	consumer string
	log      *zap.SugaredLogger
}

func NewQueue(cfg *config.Config, log *zap.SugaredLogger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	err := client.XGroupCreateMkStream(ctx, TaskStream, ConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		log.Warnw("failed to create consumer group", "error", err)
	}

	return &Queue{client: client, consumer: cfg.WorkerName, log: log}, nil
}

// Publish adds a pipeline task to the stream.
func (q *Queue) Publish(ctx context.Context, task models.PipelineTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%w: marshal task: %v", errs.ErrDispatch, err)
	}

	_, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: TaskStream,
		Values: map[string]interface{}{
			"task_type":   string(task.TaskType),
			"resource_id": task.ResourceID,
			"data":        string(data),
			"enqueued_at": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrDispatch, err)
	}

	q.log.Infow("task enqueued", "task_type", task.TaskType, "resource_id", task.ResourceID)
	return nil
}

// Consume reads tasks with the consumer group and hands them to handler.
// Pending messages from previous runs are replayed first.
func (q *Queue) Consume(ctx context.Context, handler func(models.PipelineTask) error) error {
	if err := q.processPending(ctx, handler); err != nil {
		q.log.Warnw("error processing pending messages", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    ConsumerGroup,
				Consumer: q.consumer,
				Streams:  []string{TaskStream, ">"},
				Count:    1,
				Block:    5 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				q.log.Errorw("error reading from stream", "error", err)
				time.Sleep(2 * time.Second)
				continue
			}

			for _, stream := range streams {
				for _, message := range stream.Messages {
					q.processMessage(ctx, message, handler)
				}
			}
		}
	}
}

func (q *Queue) processPending(ctx context.Context, handler func(models.PipelineTask) error) error {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: TaskStream,
		Group:  ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to get pending messages: %w", err)
	}

	if len(pending) > 0 {
		q.log.Infow("replaying pending messages", "count", len(pending))
	}

	for _, p := range pending {
		messages, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   TaskStream,
			Group:    ConsumerGroup,
			Consumer: q.consumer,
			MinIdle:  0,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			q.log.Errorw("error claiming message", "message_id", p.ID, "error", err)
			continue
		}
		for _, message := range messages {
			q.processMessage(ctx, message, handler)
		}
	}
	return nil
}

func (q *Queue) processMessage(ctx context.Context, message redis.XMessage, handler func(models.PipelineTask) error) {
	task, err := parseTask(message.Values)
	if err != nil {
		q.log.Errorw("dropping malformed task", "message_id", message.ID, "error", err)
		// Ack anyway so a poison message is not redelivered forever.
		q.client.XAck(ctx, TaskStream, ConsumerGroup, message.ID)
		return
	}

	q.log.Infow("processing task", "task_type", task.TaskType, "resource_id", task.ResourceID, "message_id", message.ID)

	if err := handler(task); err != nil {
		// Left pending; redelivered on the next restart or claim.
		q.log.Errorw("task failed", "task_type", task.TaskType, "resource_id", task.ResourceID, "error", err)
		return
	}

	q.client.XAck(ctx, TaskStream, ConsumerGroup, message.ID)
}

func parseTask(values map[string]interface{}) (models.PipelineTask, error) {
	dataStr, ok := values["data"].(string)
	if !ok {
		return models.PipelineTask{}, fmt.Errorf("missing or invalid data field")
	}
	var task models.PipelineTask
	if err := json.Unmarshal([]byte(dataStr), &task); err != nil {
		return models.PipelineTask{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.ResourceID == "" || !models.KnownTaskType(task.TaskType) {
		return models.PipelineTask{}, fmt.Errorf("incomplete task envelope")
	}
	return task, nil
}

// PublishProgress stores the latest progress snapshot with a TTL so the
// status surface can report partial rendition progress.
func (q *Queue) PublishProgress(ctx context.Context, progress models.ProcessingProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	key := ProgressKeyPrefix + progress.ResourceID
	return q.client.Set(ctx, key, data, 24*time.Hour).Err()
}

func (q *Queue) GetProgress(ctx context.Context, resourceID string) (*models.ProcessingProgress, error) {
	data, err := q.client.Get(ctx, ProgressKeyPrefix+resourceID).Bytes()
	if err == redis.Nil {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var progress models.ProcessingProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

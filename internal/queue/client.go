package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/voicereport/voicereport/internal/config"
)

type Client struct {
	client *asynq.Client
}

func NewClient(cfg config.RedisConfig) *Client {
	return &Client{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueWorkflowRun schedules an immediate orchestrator pass. asynq's own
// retry stays at zero: the orchestrator decides retries, not the queue.
func (c *Client) EnqueueWorkflowRun(ctx context.Context, id uuid.UUID) error {
	return c.enqueue(ctx, TypeWorkflowRun, WorkflowRunPayload{WorkflowID: id.String()},
		asynq.MaxRetry(0), asynq.Timeout(30*time.Minute))
}

// ScheduleRun enqueues a delayed orchestrator pass, used for retry backoff.
func (c *Client) ScheduleRun(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	return c.enqueue(ctx, TypeWorkflowRun, WorkflowRunPayload{WorkflowID: id.String()},
		asynq.MaxRetry(0), asynq.Timeout(30*time.Minute), asynq.ProcessIn(delay))
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

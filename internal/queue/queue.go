// Package queue carries publish jobs between intake and the worker over an
// asynq (Redis) work queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/toallcreation/backend/internal/models"
)

// TypePublish is the asynq task type for one per-destination publish job.
const TypePublish = "post:publish"

// Enqueuer is the slice of the queue that intake and resubmit need. The
// worker side consumes through asynq.Server directly.
type Enqueuer interface {
	EnqueuePublish(ctx context.Context, msg models.JobMessage) error
}

// RedisAddr resolves the work-queue endpoint. POSTING_QUEUE_URL is accepted
// as an alias for deployments that configure the queue by that name.
func RedisAddr() string {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		return v
	}
	if v := os.Getenv("POSTING_QUEUE_URL"); v != "" {
		return v
	}
	return "localhost:6379"
}

// NewTask encodes a job message as an asynq task.
func NewTask(msg models.JobMessage) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return asynq.NewTask(TypePublish, payload), nil
}

// DecodeTask parses the job message out of a task payload.
func DecodeTask(t *asynq.Task) (models.JobMessage, error) {
	var msg models.JobMessage
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		return models.JobMessage{}, fmt.Errorf("decode job: %w", err)
	}
	if msg.RequestID == "" || msg.Destination == "" {
		return models.JobMessage{}, fmt.Errorf("decode job: missing request_id or destination")
	}
	return msg, nil
}

// Client wraps an asynq client as an Enqueuer.
type Client struct {
	inner *asynq.Client
}

func NewClient(redisAddr string) *Client {
	return &Client{inner: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})}
}

func (c *Client) Close() error { return c.inner.Close() }

func (c *Client) EnqueuePublish(ctx context.Context, msg models.JobMessage) error {
	task, err := NewTask(msg)
	if err != nil {
		return err
	}
	// Retries here cover infrastructure failures only; adapter errors are
	// terminal and acknowledged by the handler.
	_, err = c.inner.EnqueueContext(ctx, task,
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Minute),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("enqueue publish job: %w", err)
	}
	return nil
}

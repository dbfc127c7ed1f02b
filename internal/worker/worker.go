// Package worker consumes publish jobs and drives one destination from
// queued to a terminal status.
package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/hibiken/asynq"

	"github.com/toallcreation/backend/internal/joblog"
	"github.com/toallcreation/backend/internal/models"
	"github.com/toallcreation/backend/internal/publish"
	"github.com/toallcreation/backend/internal/queue"
)

// RequestStore is the slice of the request store the worker mutates.
type RequestStore interface {
	UpdateDestination(ctx context.Context, requestID, destination, status string, newLogs []models.LogEntry, errMsg *string, result map[string]any) error
	RecomputeParent(ctx context.Context, requestID string) error
}

// AccountGetter loads one account with credentials.
type AccountGetter interface {
	Get(ctx context.Context, userID, accountID string) (*models.Account, error)
}

// Freshener refreshes stale credentials before the adapter runs.
type Freshener interface {
	EnsureFresh(ctx context.Context, a *models.Account) (string, error)
}

type Worker struct {
	requests RequestStore
	registry AccountGetter
	tokens   Freshener

	// adapterFor is swapped in tests.
	adapterFor func(platform string) (publish.Publisher, error)
}

func New(requests RequestStore, registry AccountGetter, tokens Freshener) *Worker {
	return &Worker{
		requests:   requests,
		registry:   registry,
		tokens:     tokens,
		adapterFor: publish.ForPlatform,
	}
}

// Mux returns the asynq handler mux for this worker.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypePublish, w.HandlePublish)
	return mux
}

// HandlePublish runs one destination to a terminal status.
//
// Delivery is at-least-once. Adapter and credential failures are recorded on
// the child and the message is acknowledged (nil return); only store or
// decode failures propagate so asynq retries. The parent status is
// recomputed after every child write, including on failure.
func (w *Worker) HandlePublish(ctx context.Context, t *asynq.Task) error {
	msg, err := queue.DecodeTask(t)
	if err != nil {
		log.Printf("[Worker] bad_message err=%v", err)
		return err
	}
	logger := joblog.New(msg.RequestID, msg.Destination)
	logger.Info("Processing %s", msg.Destination)

	if err := w.requests.UpdateDestination(ctx, msg.RequestID, msg.Destination, models.StatusProcessing, nil, nil, nil); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if err := w.requests.RecomputeParent(ctx, msg.RequestID); err != nil {
		return fmt.Errorf("recompute parent: %w", err)
	}

	result, pubErr := w.run(ctx, msg, logger)
	if pubErr != nil {
		logger.Error("Destination failed: %v", pubErr)
		errMsg := pubErr.Error()
		if err := w.requests.UpdateDestination(ctx, msg.RequestID, msg.Destination, models.StatusFailed, logger.Entries(), &errMsg, nil); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		if err := w.requests.RecomputeParent(ctx, msg.RequestID); err != nil {
			return fmt.Errorf("recompute parent: %w", err)
		}
		log.Printf("[Worker] failed requestId=%s dest=%s err=%v", msg.RequestID, msg.Destination, pubErr)
		return nil
	}

	logger.Info("Destination completed")
	if err := w.requests.UpdateDestination(ctx, msg.RequestID, msg.Destination, models.StatusCompleted, logger.Entries(), nil, result); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	if err := w.requests.RecomputeParent(ctx, msg.RequestID); err != nil {
		return fmt.Errorf("recompute parent: %w", err)
	}
	log.Printf("[Worker] completed requestId=%s dest=%s", msg.RequestID, msg.Destination)
	return nil
}

// run resolves the account, freshens credentials and dispatches to the
// adapter. Panics inside an adapter are converted to errors so the child
// never sticks in processing.
func (w *Worker) run(ctx context.Context, msg models.JobMessage, logger *joblog.Logger) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic: %v", r)
			log.Printf("[Worker] panic requestId=%s dest=%s err=%v\n%s", msg.RequestID, msg.Destination, r, debug.Stack())
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	platform, _, err := models.SplitDestination(msg.Destination)
	if err != nil {
		return nil, err
	}
	account, err := w.registry.Get(ctx, msg.UserID, msg.Destination)
	if err != nil {
		return nil, fmt.Errorf("account lookup: %w", err)
	}
	if _, err := w.tokens.EnsureFresh(ctx, account); err != nil {
		logger.Error("Credential refresh failed: %v", err)
		return nil, err
	}
	adapter, err := w.adapterFor(platform)
	if err != nil {
		return nil, err
	}
	return adapter.Publish(ctx, account, msg.VideoURL, msg.Caption, msg.PlatformSettings, logger)
}

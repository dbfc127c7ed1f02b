package requests

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/toallcreation/backend/internal/accounts"
	"github.com/toallcreation/backend/internal/models"
	"github.com/toallcreation/backend/internal/queue"
)

// ErrNoDestinations is returned when no submitted destination resolves to a
// connected account.
var ErrNoDestinations = errors.New("no valid destinations")

// AccountChecker is the slice of the account registry intake validates
// against.
type AccountChecker interface {
	Get(ctx context.Context, userID, accountID string) (*models.Account, error)
}

// Intake fans a publish request out into per-destination jobs.
type Intake struct {
	store    *Store
	registry AccountChecker
	enqueuer queue.Enqueuer
	newID    func() string
}

func NewIntake(store *Store, registry AccountChecker, enqueuer queue.Enqueuer) *Intake {
	return &Intake{
		store:    store,
		registry: registry,
		enqueuer: enqueuer,
		newID:    func() string { return uuid.NewString() },
	}
}

// SubmitResult is the synchronous acceptance payload.
type SubmitResult struct {
	RequestID    string   `json:"request_id"`
	Status       string   `json:"status"`
	Destinations []string `json:"destinations"`
	VideoURL     string   `json:"video_url"`
	CreatedAt    string   `json:"created_at"`
}

// Submit validates the destinations against the registry (unknowns are
// dropped), writes the parent tree and enqueues one job per destination. The
// request is accepted only once every job is enqueued; a failed enqueue
// rolls the tree back with a compensating delete.
func (in *Intake) Submit(ctx context.Context, userID, videoURL, caption string, destinations []string, settings map[string]any) (*SubmitResult, error) {
	valid := make([]string, 0, len(destinations))
	seen := make(map[string]bool)
	for _, dest := range destinations {
		if seen[dest] {
			continue
		}
		seen[dest] = true
		if _, _, err := models.SplitDestination(dest); err != nil {
			log.Printf("[Intake] dropped_destination userId=%s dest=%s reason=bad_format", userID, dest)
			continue
		}
		if _, err := in.registry.Get(ctx, userID, dest); err != nil {
			if errors.Is(err, accounts.ErrNotFound) {
				log.Printf("[Intake] dropped_destination userId=%s dest=%s reason=not_connected", userID, dest)
				continue
			}
			return nil, fmt.Errorf("submit: %w", err)
		}
		valid = append(valid, dest)
	}
	if len(valid) == 0 {
		return nil, ErrNoDestinations
	}

	requestID := in.newID()
	if err := in.store.CreateParent(ctx, requestID, userID, videoURL, caption, valid); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	for i, dest := range valid {
		err := in.enqueuer.EnqueuePublish(ctx, models.JobMessage{
			RequestID:        requestID,
			UserID:           userID,
			Destination:      dest,
			VideoURL:         videoURL,
			Caption:          caption,
			PlatformSettings: settings,
		})
		if err != nil {
			log.Printf("[Intake] enqueue_failed requestId=%s dest=%s enqueued=%d err=%v", requestID, dest, i, err)
			if delErr := in.store.Delete(ctx, requestID); delErr != nil {
				log.Printf("[Intake] compensating_delete_failed requestId=%s err=%v", requestID, delErr)
			}
			return nil, fmt.Errorf("submit enqueue %s: %w", dest, err)
		}
	}

	log.Printf("[Intake] accepted requestId=%s userId=%s destinations=%d", requestID, userID, len(valid))
	r, err := in.store.Get(ctx, userID, requestID)
	if err != nil {
		// The tree exists and jobs are queued; fall back to a minimal result.
		return &SubmitResult{RequestID: requestID, Status: models.StatusQueued, Destinations: valid, VideoURL: videoURL}, nil
	}
	return &SubmitResult{
		RequestID:    requestID,
		Status:       r.Status,
		Destinations: valid,
		VideoURL:     videoURL,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

package scheduled

import (
	"context"
	"log"
	"time"

	"github.com/toallcreation/backend/internal/models"
	"github.com/toallcreation/backend/internal/requests"
)

// Submitter is the intake slice the dispatcher promotes due posts through.
type Submitter interface {
	Submit(ctx context.Context, userID, videoURL, caption string, destinations []string, settings map[string]any) (*requests.SubmitResult, error)
}

// Dispatcher promotes due scheduled posts into the publish intake. It is run
// from a cron tick; every tick is independent and safe to overlap with other
// instances because promotion goes through the conditional claim.
type Dispatcher struct {
	store  *Store
	intake Submitter
	batch  int
	now    func() time.Time
}

func NewDispatcher(store *Store, intake Submitter) *Dispatcher {
	return &Dispatcher{store: store, intake: intake, batch: 25, now: time.Now}
}

// RunOnce processes one batch of due posts and returns how many were
// promoted. Errors on individual posts are recorded on the row and do not
// stop the batch.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.now()
	due, err := d.store.DueBefore(ctx, now, d.batch)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for i := range due {
		p := &due[i]
		claimed, err := d.store.Claim(ctx, p.UserID, p.ScheduledPostID, now)
		if err != nil {
			log.Printf("[Scheduler] claim_error postId=%s err=%v", p.ScheduledPostID, err)
			continue
		}
		if !claimed {
			// Another instance got there first.
			continue
		}
		d.promote(ctx, p)
		promoted++
	}
	return promoted, nil
}

func (d *Dispatcher) promote(ctx context.Context, p *models.ScheduledPost) {
	res, err := d.intake.Submit(ctx, p.UserID, p.VideoURL, p.Caption, p.Destinations, p.PlatformSettings)
	if err != nil {
		log.Printf("[Scheduler] promote_failed postId=%s userId=%s err=%v", p.ScheduledPostID, p.UserID, err)
		if mErr := d.store.MarkFailed(ctx, p.UserID, p.ScheduledPostID, err.Error()); mErr != nil {
			log.Printf("[Scheduler] mark_failed_error postId=%s err=%v", p.ScheduledPostID, mErr)
		}
		return
	}
	if err := d.store.MarkPosted(ctx, p.UserID, p.ScheduledPostID, res.RequestID); err != nil {
		// The publish is in flight; the row just lost its pointer.
		log.Printf("[Scheduler] mark_posted_error postId=%s requestId=%s err=%v", p.ScheduledPostID, res.RequestID, err)
		return
	}
	log.Printf("[Scheduler] promoted postId=%s requestId=%s destinations=%d", p.ScheduledPostID, res.RequestID, len(res.Destinations))
}

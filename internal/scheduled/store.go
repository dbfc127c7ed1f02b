// Package scheduled persists scheduled posts and promotes due rows into the
// publish intake.
package scheduled

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/toallcreation/backend/internal/models"
)

var (
	ErrNotFound     = errors.New("scheduled post not found")
	ErrNotScheduled = errors.New("scheduled post is not in scheduled state")
)

// RetentionTTL matches the request-store retention.
const RetentionTTL = 90 * 24 * time.Hour

// TableName returns the scheduled posts table, honoring SCHEDULED_POSTS_TABLE.
func TableName() string {
	if v := os.Getenv("SCHEDULED_POSTS_TABLE"); v != "" {
		return v
	}
	return "scheduled_posts"
}

type Store struct {
	db    *sql.DB
	table string
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, table: TableName()}
}

func (s *Store) Create(ctx context.Context, p *models.ScheduledPost) error {
	if p.UserID == "" || p.ScheduledPostID == "" || len(p.Destinations) == 0 {
		return fmt.Errorf("create scheduled post: missing user, id or destinations")
	}
	settings := "{}"
	if len(p.PlatformSettings) > 0 {
		b, err := json.Marshal(p.PlatformSettings)
		if err != nil {
			return fmt.Errorf("create scheduled post: %w", err)
		}
		settings = string(b)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s
		  (user_id, scheduled_post_id, video_url, caption, destinations, platform_settings,
		   scheduled_time, timezone, status, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,'scheduled',NOW(),NOW(),NOW() + $9::interval)
	`, s.table),
		p.UserID, p.ScheduledPostID, p.VideoURL, p.Caption, pq.Array(p.Destinations), settings,
		p.ScheduledTime, p.Timezone, fmt.Sprintf("%d seconds", int64(RetentionTTL.Seconds())))
	if err != nil {
		return fmt.Errorf("create scheduled post: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID, postID string) (*models.ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT user_id, scheduled_post_id, video_url, caption, destinations, platform_settings,
		       scheduled_time, timezone, status, request_id, error, posted_at, created_at, updated_at
		  FROM %s
		 WHERE user_id = $1 AND scheduled_post_id = $2
	`, s.table), userID, postID)
	p, err := scanScheduledPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled post: %w", err)
	}
	return p, nil
}

func (s *Store) List(ctx context.Context, userID, status string) ([]models.ScheduledPost, error) {
	query := fmt.Sprintf(`
		SELECT user_id, scheduled_post_id, video_url, caption, destinations, platform_settings,
		       scheduled_time, timezone, status, request_id, error, posted_at, created_at, updated_at
		  FROM %s
		 WHERE user_id = $1
	`, s.table)
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY scheduled_time ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled posts: %w", err)
	}
	defer rows.Close()

	out := make([]models.ScheduledPost, 0)
	for rows.Next() {
		p, err := scanScheduledPost(rows)
		if err != nil {
			return nil, fmt.Errorf("list scheduled posts: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scheduled posts: %w", err)
	}
	return out, nil
}

// Update edits a still-scheduled post. Rows that already left the scheduled
// state refuse the edit.
func (s *Store) Update(ctx context.Context, userID, postID string, scheduledTime int64, caption string, destinations []string, timezone string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		   SET scheduled_time = $3,
		       caption = $4,
		       destinations = $5,
		       timezone = $6,
		       updated_at = NOW()
		 WHERE user_id = $1 AND scheduled_post_id = $2 AND status = 'scheduled'
	`, s.table), userID, postID, scheduledTime, caption, pq.Array(destinations), timezone)
	if err != nil {
		return fmt.Errorf("update scheduled post: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotScheduled
	}
	return nil
}

// Cancel is a conditional scheduled -> cancelled transition.
func (s *Store) Cancel(ctx context.Context, userID, postID string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		   SET status = 'cancelled', updated_at = NOW()
		 WHERE user_id = $1 AND scheduled_post_id = $2 AND status = 'scheduled'
	`, s.table), userID, postID)
	if err != nil {
		return fmt.Errorf("cancel scheduled post: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotScheduled
	}
	return nil
}

// DueBefore lists scheduled rows whose time has come.
func (s *Store) DueBefore(ctx context.Context, now time.Time, limit int) ([]models.ScheduledPost, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT user_id, scheduled_post_id, video_url, caption, destinations, platform_settings,
		       scheduled_time, timezone, status, request_id, error, posted_at, created_at, updated_at
		  FROM %s
		 WHERE status = 'scheduled' AND scheduled_time <= $1
		 ORDER BY scheduled_time ASC
		 LIMIT $2
	`, s.table), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled posts: %w", err)
	}
	defer rows.Close()

	out := make([]models.ScheduledPost, 0)
	for rows.Next() {
		p, err := scanScheduledPost(rows)
		if err != nil {
			return nil, fmt.Errorf("due scheduled posts: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due scheduled posts: %w", err)
	}
	return out, nil
}

// Claim performs the single-shot scheduled -> processing transition. The
// WHERE clause re-checks status and due time, so of any number of concurrent
// claimers exactly one sees claimed=true.
func (s *Store) Claim(ctx context.Context, userID, postID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		   SET status = 'processing', updated_at = NOW()
		 WHERE user_id = $1 AND scheduled_post_id = $2
		   AND status = 'scheduled' AND scheduled_time <= $3
	`, s.table), userID, postID, now.Unix())
	if err != nil {
		return false, fmt.Errorf("claim scheduled post: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) MarkPosted(ctx context.Context, userID, postID, requestID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		   SET status = 'posted', request_id = $3, posted_at = NOW(), error = NULL, updated_at = NOW()
		 WHERE user_id = $1 AND scheduled_post_id = $2
	`, s.table), userID, postID, requestID)
	if err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, userID, postID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		   SET status = 'failed', error = $3, updated_at = NOW()
		 WHERE user_id = $1 AND scheduled_post_id = $2
	`, s.table), userID, postID, errMsg)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledPost(row rowScanner) (*models.ScheduledPost, error) {
	var p models.ScheduledPost
	var settings []byte
	var requestID, errMsg, timezone sql.NullString
	var postedAt sql.NullTime
	if err := row.Scan(
		&p.UserID, &p.ScheduledPostID, &p.VideoURL, &p.Caption, pq.Array(&p.Destinations), &settings,
		&p.ScheduledTime, &timezone, &p.Status, &requestID, &errMsg, &postedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Timezone = timezone.String
	p.RequestID = requestID.String
	p.Error = errMsg.String
	if postedAt.Valid {
		v := postedAt.Time
		p.PostedAt = &v
	}
	if len(settings) > 0 {
		_ = json.Unmarshal(settings, &p.PlatformSettings)
	}
	return &p, nil
}

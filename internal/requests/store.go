// Package requests persists the upload-request tree: one parent row per
// request and one child row per destination, each child carrying an
// append-only jsonb log.
package requests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/toallcreation/backend/internal/models"
	"github.com/toallcreation/backend/internal/queue"
)

var (
	ErrNotFound  = errors.New("upload request not found")
	ErrNotFailed = errors.New("destination is not in failed state")
)

// RetentionTTL is how long request trees are kept before the retention sweep
// purges them.
const RetentionTTL = 90 * 24 * time.Hour

// TableName returns the parent table, honoring UPLOAD_REQUESTS_TABLE.
func TableName() string {
	if v := os.Getenv("UPLOAD_REQUESTS_TABLE"); v != "" {
		return v
	}
	return "upload_requests"
}

// DestTableName returns the per-destination child table.
func DestTableName() string {
	if v := os.Getenv("UPLOAD_DESTINATIONS_TABLE"); v != "" {
		return v
	}
	return "upload_request_destinations"
}

type Store struct {
	db        *sql.DB
	table     string
	destTable string
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, table: TableName(), destTable: DestTableName()}
}

// CreateParent writes the parent plus one queued child per destination in a
// single transaction, all children starting with empty logs.
func (s *Store) CreateParent(ctx context.Context, requestID, userID, videoURL, caption string, destinations []string) error {
	if len(destinations) == 0 {
		return fmt.Errorf("create parent: no destinations")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (request_id, user_id, video_url, caption, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, 'queued', NOW(), NOW(), NOW() + $5::interval)
	`, s.table), requestID, userID, videoURL, caption, fmt.Sprintf("%d seconds", int64(RetentionTTL.Seconds()))); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	for _, dest := range destinations {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (request_id, destination, status, logs, created_at, updated_at)
			VALUES ($1, $2, 'queued', '[]'::jsonb, NOW(), NOW())
		`, s.destTable), requestID, dest); err != nil {
			return fmt.Errorf("create destination %s: %w", dest, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	return nil
}

// Delete removes the whole tree. Used as the compensating action when a job
// enqueue fails mid-submit.
func (s *Store) Delete(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE request_id = $1
	`, s.destTable), requestID); err != nil {
		return fmt.Errorf("delete destinations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE request_id = $1
	`, s.table), requestID); err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}

// UpdateDestination mutates exactly one child row: status, error, result and
// an append to the logs array. Sibling rows are untouched, so workers of the
// same parent never contend. The logs column only ever grows.
func (s *Store) UpdateDestination(ctx context.Context, requestID, destination, status string, newLogs []models.LogEntry, errMsg *string, result map[string]any) error {
	logsJSON := "[]"
	if len(newLogs) > 0 {
		b, err := json.Marshal(newLogs)
		if err != nil {
			return fmt.Errorf("update destination: %w", err)
		}
		logsJSON = string(b)
	}
	var resultJSON *string
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("update destination: %w", err)
		}
		v := string(b)
		resultJSON = &v
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		   SET status = $3,
		       error = $4,
		       result = COALESCE($5::jsonb, result),
		       logs = logs || $6::jsonb,
		       updated_at = NOW()
		 WHERE request_id = $1 AND destination = $2
	`, s.destTable), requestID, destination, status, errMsg, resultJSON, logsJSON)
	if err != nil {
		return fmt.Errorf("update destination: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecomputeParent reads all child statuses and writes the derived overall
// status. Pure and idempotent; safe to call concurrently after every child
// mutation.
func (s *Store) RecomputeParent(ctx context.Context, requestID string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT status FROM %s WHERE request_id = $1
	`, s.destTable), requestID)
	if err != nil {
		return fmt.Errorf("recompute parent: %w", err)
	}
	defer rows.Close()

	var statuses []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return fmt.Errorf("recompute parent: %w", err)
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("recompute parent: %w", err)
	}

	overall := models.DeriveOverallStatus(statuses)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = NOW() WHERE request_id = $1
	`, s.table), requestID, overall); err != nil {
		return fmt.Errorf("recompute parent: %w", err)
	}
	return nil
}

// Get loads the full tree with logs, authorizing by user.
func (s *Store) Get(ctx context.Context, userID, requestID string) (*models.UploadRequest, error) {
	var r models.UploadRequest
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT request_id, user_id, video_url, caption, status, created_at, updated_at
		  FROM %s
		 WHERE request_id = $1 AND user_id = $2
	`, s.table), requestID, userID).Scan(
		&r.RequestID, &r.UserID, &r.VideoURL, &r.Caption, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}

	r.Destinations, err = s.loadDestinations(ctx, requestID, true)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) loadDestinations(ctx context.Context, requestID string, withLogs bool) (map[string]models.DestinationRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT destination, status, error, result, logs, created_at, updated_at
		  FROM %s
		 WHERE request_id = $1
		 ORDER BY destination
	`, s.destTable), requestID)
	if err != nil {
		return nil, fmt.Errorf("load destinations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.DestinationRecord)
	for rows.Next() {
		var d models.DestinationRecord
		var errMsg sql.NullString
		var result, logs []byte
		if err := rows.Scan(&d.Destination, &d.Status, &errMsg, &result, &logs, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("load destinations: %w", err)
		}
		d.Error = errMsg.String
		if len(result) > 0 {
			_ = json.Unmarshal(result, &d.Result)
		}
		if withLogs && len(logs) > 0 {
			_ = json.Unmarshal(logs, &d.Logs)
		}
		if d.Logs == nil {
			d.Logs = []models.LogEntry{}
		}
		out[d.Destination] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load destinations: %w", err)
	}
	return out, nil
}

// ListByUser pages parent summaries newest-first. The cursor is
// "<created_at>|<request_id>" of the last row of the previous page
// (RFC3339Nano timestamp); request_id breaks created_at ties so rows
// sharing a timestamp are never skipped across pages.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int, cursor string) ([]models.UploadRequest, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := fmt.Sprintf(`
		SELECT request_id, user_id, video_url, caption, status, created_at, updated_at
		  FROM %s
		 WHERE user_id = $1
	`, s.table)
	args := []any{userID}
	if cursor != "" {
		tsPart, lastID, hasID := strings.Cut(cursor, "|")
		before, err := time.Parse(time.RFC3339Nano, tsPart)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		if hasID {
			query += ` AND (created_at, request_id) < ($2, $3)`
			args = append(args, before, lastID)
		} else {
			query += ` AND created_at < $2`
			args = append(args, before)
		}
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, request_id DESC LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	out := make([]models.UploadRequest, 0, limit)
	for rows.Next() {
		var r models.UploadRequest
		if err := rows.Scan(&r.RequestID, &r.UserID, &r.VideoURL, &r.Caption, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, "", fmt.Errorf("list requests: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list requests: %w", err)
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = last.CreatedAt.Format(time.RFC3339Nano) + "|" + last.RequestID
	}

	// Summaries carry destination statuses but not logs.
	for i := range out {
		dests, err := s.loadDestinations(ctx, out[i].RequestID, false)
		if err != nil {
			return nil, "", err
		}
		out[i].Destinations = dests
	}
	return out, next, nil
}

// Logs returns the log arrays of the request's children, optionally filtered
// to a single destination.
func (s *Store) Logs(ctx context.Context, userID, requestID, destination string) (map[string][]models.LogEntry, error) {
	r, err := s.Get(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]models.LogEntry)
	for dest, rec := range r.Destinations {
		if destination != "" && dest != destination {
			continue
		}
		out[dest] = rec.Logs
	}
	if destination != "" && len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Resubmit moves a failed child back to queued, clears its error, appends a
// log entry and re-enqueues a single job. The failed-state guard is the
// UPDATE's WHERE clause, so a concurrent resubmit enqueues at most once.
func (s *Store) Resubmit(ctx context.Context, userID, requestID, destination string, enq queue.Enqueuer) error {
	var videoURL, caption string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT video_url, caption FROM %s WHERE request_id = $1 AND user_id = $2
	`, s.table), requestID, userID).Scan(&videoURL, &caption)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("resubmit: %w", err)
	}

	entry, _ := json.Marshal([]models.LogEntry{{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     "INFO",
		Message:   "Task resubmitted by user",
	}})
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		   SET status = 'queued',
		       error = NULL,
		       logs = logs || $3::jsonb,
		       updated_at = NOW()
		 WHERE request_id = $1 AND destination = $2 AND status = 'failed'
	`, s.destTable), requestID, destination, string(entry))
	if err != nil {
		return fmt.Errorf("resubmit: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFailed
	}

	if err := enq.EnqueuePublish(ctx, models.JobMessage{
		RequestID:   requestID,
		UserID:      userID,
		Destination: destination,
		VideoURL:    videoURL,
		Caption:     caption,
	}); err != nil {
		// Put the child back to failed so a later resubmit can retry;
		// leaving it queued with no job in the queue would strand it.
		if _, rerr := s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			   SET status = 'failed',
			       error = $3,
			       updated_at = NOW()
			 WHERE request_id = $1 AND destination = $2
		`, s.destTable), requestID, destination, "resubmit enqueue failed: "+err.Error()); rerr != nil {
			log.Printf("[Requests] resubmit_revert_failed requestId=%s dest=%s err=%v", requestID, destination, rerr)
		}
		return fmt.Errorf("resubmit enqueue: %w", err)
	}
	if err := s.RecomputeParent(ctx, requestID); err != nil {
		log.Printf("[Requests] recompute_after_resubmit_failed requestId=%s err=%v", requestID, err)
	}
	log.Printf("[Requests] resubmitted requestId=%s dest=%s", requestID, destination)
	return nil
}

// Package oauthstate holds short-lived OAuth flow state between the redirect
// out and the callback in.
package oauthstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNotFound covers unknown, expired and already-consumed states alike, so a
// replayed callback is indistinguishable from a forged one.
var ErrNotFound = errors.New("oauth state not found")

// DefaultTTL bounds how long a login redirect stays redeemable.
const DefaultTTL = 10 * time.Minute

// TableName returns the oauth state table, honoring OAUTH_STATE_TABLE.
func TableName() string {
	if v := os.Getenv("OAUTH_STATE_TABLE"); v != "" {
		return v
	}
	return "oauth_states"
}

type Store struct {
	db    *sql.DB
	table string
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, table: TableName()}
}

// Put stores one flow's state under its random token.
func (s *Store) Put(ctx context.Context, state, userID, platform string, payload map[string]any, ttl time.Duration) error {
	if ttl <= 0 || ttl > DefaultTTL {
		ttl = DefaultTTL
	}
	body := "{}"
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("put oauth state: %w", err)
		}
		body = string(b)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (state, user_id, platform, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4::jsonb, NOW(), NOW() + $5::interval)
	`, s.table), state, userID, platform, body, fmt.Sprintf("%d seconds", int64(ttl.Seconds())))
	if err != nil {
		return fmt.Errorf("put oauth state: %w", err)
	}
	return nil
}

// Take redeems a state exactly once. The delete doubles as the read, so a
// second redemption of the same token gets ErrNotFound.
func (s *Store) Take(ctx context.Context, state string) (userID, platform string, payload map[string]any, err error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		 WHERE state = $1 AND expires_at > NOW()
		RETURNING user_id, platform, payload
	`, s.table), state)
	var body []byte
	if err := row.Scan(&userID, &platform, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", nil, ErrNotFound
		}
		return "", "", nil, fmt.Errorf("take oauth state: %w", err)
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &payload)
	}
	return userID, platform, payload, nil
}

// Purge removes expired states and returns how many went.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, s.table))
	if err != nil {
		return 0, fmt.Errorf("purge oauth states: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

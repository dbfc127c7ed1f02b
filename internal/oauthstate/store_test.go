package oauthstate

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

func TestPut_ClampsTTL(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	// An oversized TTL falls back to the default 10 minutes.
	mock.ExpectExec(`INSERT INTO oauth_states`).
		WithArgs("st-1", "u1", "tiktok", `{"redirect":"app://done"}`, "600 seconds").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Put(context.Background(), "st-1", "u1", "tiktok",
		map[string]any{"redirect": "app://done"}, 2*DefaultTTL)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTake_RedeemsOnce(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`DELETE FROM oauth_states\s+WHERE state = \$1 AND expires_at > NOW\(\)`).
		WithArgs("st-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "platform", "payload"}).
			AddRow("u1", "tiktok", []byte(`{"redirect":"app://done"}`)))

	userID, platform, payload, err := s.Take(context.Background(), "st-1")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if userID != "u1" || platform != "tiktok" || payload["redirect"] != "app://done" {
		t.Fatalf("take: %s %s %v", userID, platform, payload)
	}

	// Replay: the row is gone.
	mock.ExpectQuery(`DELETE FROM oauth_states`).
		WithArgs("st-1").
		WillReturnError(sql.ErrNoRows)
	if _, _, _, err := s.Take(context.Background(), "st-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPurge_CountsDeleted(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`DELETE FROM oauth_states WHERE expires_at <= NOW\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Purge(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Purge: n=%d err=%v", n, err)
	}
}

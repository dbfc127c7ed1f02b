package requests

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/toallcreation/backend/internal/models"
)

type fakeEnqueuer struct {
	jobs     []models.JobMessage
	failWith error
}

func (f *fakeEnqueuer) EnqueuePublish(ctx context.Context, msg models.JobMessage) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.jobs = append(f.jobs, msg)
	return nil
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return NewStore(db), mock, func() { _ = db.Close() }
}

func TestCreateParent_WritesParentAndQueuedChildren(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO upload_requests`).
		WithArgs("req-1", "u1", "https://cdn.example/v.mp4", "cap", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO upload_request_destinations`).
		WithArgs("req-1", "facebook:p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO upload_request_destinations`).
		WithArgs("req-1", "instagram:i1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.CreateParent(context.Background(), "req-1", "u1", "https://cdn.example/v.mp4", "cap",
		[]string{"facebook:p1", "instagram:i1"})
	if err != nil {
		t.Fatalf("CreateParent: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateParent_RollsBackOnChildFailure(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO upload_requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO upload_request_destinations`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.CreateParent(context.Background(), "req-1", "u1", "v", "c", []string{"facebook:p1"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateDestination_SingleRowAppendsLogs(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	errMsg := "youtube upload: upload_non_2xx status=403"
	mock.ExpectExec(`UPDATE upload_request_destinations\s+SET status = \$3,\s+error = \$4,\s+result = COALESCE\(\$5::jsonb, result\),\s+logs = logs \|\| \$6::jsonb`).
		WithArgs("req-1", "youtube:c1", models.StatusFailed, &errMsg, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	logs := []models.LogEntry{{Timestamp: "2026-01-01T00:00:00Z", Level: "ERROR", Message: "upload failed"}}
	if err := s.UpdateDestination(context.Background(), "req-1", "youtube:c1", models.StatusFailed, logs, &errMsg, nil); err != nil {
		t.Fatalf("UpdateDestination: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateDestination_UnknownChildIsNotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`UPDATE upload_request_destinations`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateDestination(context.Background(), "req-1", "tiktok:none", models.StatusProcessing, nil, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestRecomputeParent_DerivesAndWrites(t *testing.T) {
	cases := []struct {
		name     string
		children []string
		want     string
	}{
		{"processing wins", []string{"failed", "processing"}, "processing"},
		{"failed beats queued", []string{"completed", "failed", "queued"}, "failed"},
		{"all completed", []string{"completed", "completed"}, "completed"},
		{"still queued", []string{"completed", "queued"}, "queued"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock, done := newMockStore(t)
			defer done()

			rows := sqlmock.NewRows([]string{"status"})
			for _, st := range tc.children {
				rows.AddRow(st)
			}
			mock.ExpectQuery(`SELECT status FROM upload_request_destinations WHERE request_id = \$1`).
				WithArgs("req-1").
				WillReturnRows(rows)
			mock.ExpectExec(`UPDATE upload_requests SET status = \$2`).
				WithArgs("req-1", tc.want).
				WillReturnResult(sqlmock.NewResult(0, 1))

			if err := s.RecomputeParent(context.Background(), "req-1"); err != nil {
				t.Fatalf("RecomputeParent: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func destColumns() []string {
	return []string{"destination", "status", "error", "result", "logs", "created_at", "updated_at"}
}

func parentColumns() []string {
	return []string{"request_id", "user_id", "video_url", "caption", "status", "created_at", "updated_at"}
}

func TestGet_LoadsTreeWithLogs(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	mock.ExpectQuery(`SELECT request_id, user_id, video_url, caption, status, created_at, updated_at\s+FROM upload_requests`).
		WithArgs("req-1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "user_id", "video_url", "caption", "status", "created_at", "updated_at"}).
			AddRow("req-1", "u1", "https://cdn.example/v.mp4", "cap", "failed", now, now))
	mock.ExpectQuery(`SELECT destination, status, error, result, logs, created_at, updated_at\s+FROM upload_request_destinations`).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows(destColumns()).
			AddRow("facebook:p1", "completed", nil, []byte(`{"post_id":"fb1"}`),
				[]byte(`[{"timestamp":"2026-01-01T00:00:00Z","level":"INFO","message":"ok"}]`), now, now).
			AddRow("twitter:t1", "failed", "tweets_non_2xx status=403", nil,
				[]byte(`[{"timestamp":"2026-01-01T00:00:00Z","level":"ERROR","message":"denied"}]`), now, now))

	r, err := s.Get(context.Background(), "u1", "req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != "failed" || len(r.Destinations) != 2 {
		t.Fatalf("tree: %+v", r)
	}
	fb := r.Destinations["facebook:p1"]
	if fb.Result["post_id"] != "fb1" || len(fb.Logs) != 1 {
		t.Fatalf("fb child: %+v", fb)
	}
	tw := r.Destinations["twitter:t1"]
	if tw.Error == "" || tw.Logs[0].Level != "ERROR" {
		t.Fatalf("tw child: %+v", tw)
	}
}

func TestGet_WrongUserIsNotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT request_id, user_id, .* FROM upload_requests`).
		WithArgs("req-1", "intruder").
		WillReturnRows(sqlmock.NewRows([]string{"request_id"}))

	if _, err := s.Get(context.Background(), "intruder", "req-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListByUser_PagesWithCursor(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows(parentColumns()).
		AddRow("req-3", "u1", "v3", "c3", "queued", base.Add(2*time.Hour), base).
		AddRow("req-2", "u1", "v2", "c2", "completed", base.Add(time.Hour), base).
		AddRow("req-1", "u1", "v1", "c1", "failed", base, base)
	mock.ExpectQuery(`SELECT request_id, .* FROM upload_requests\s+WHERE user_id = \$1\s+ORDER BY created_at DESC, request_id DESC LIMIT 3`).
		WithArgs("u1").
		WillReturnRows(rows)
	// Children statuses for the two returned summaries.
	mock.ExpectQuery(`SELECT destination, status, .* FROM upload_request_destinations`).
		WithArgs("req-3").
		WillReturnRows(sqlmock.NewRows(destColumns()).AddRow("facebook:p1", "queued", nil, nil, []byte(`[]`), base, base))
	mock.ExpectQuery(`SELECT destination, status, .* FROM upload_request_destinations`).
		WithArgs("req-2").
		WillReturnRows(sqlmock.NewRows(destColumns()).AddRow("facebook:p1", "completed", nil, nil, []byte(`[]`), base, base))

	got, next, err := s.ListByUser(context.Background(), "u1", 2, "")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 2 || got[0].RequestID != "req-3" || got[1].RequestID != "req-2" {
		t.Fatalf("page: %+v", got)
	}
	wantNext := base.Add(time.Hour).Format(time.RFC3339Nano) + "|req-2"
	if next != wantNext {
		t.Fatalf("cursor: got %q want %q", next, wantNext)
	}
}

func TestListByUser_CursorBreaksTimestampTies(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	// req-8 and req-9 share a created_at; a cursor ending at req-9 must still
	// surface req-8 on the next page instead of skipping past the timestamp.
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cursor := ts.Format(time.RFC3339Nano) + "|req-9"
	mock.ExpectQuery(`WHERE user_id = \$1\s+AND \(created_at, request_id\) < \(\$2, \$3\)\s+ORDER BY created_at DESC, request_id DESC LIMIT 2`).
		WithArgs("u1", ts, "req-9").
		WillReturnRows(sqlmock.NewRows(parentColumns()).
			AddRow("req-8", "u1", "v8", "c8", "queued", ts, ts))
	mock.ExpectQuery(`SELECT destination, status, .* FROM upload_request_destinations`).
		WithArgs("req-8").
		WillReturnRows(sqlmock.NewRows(destColumns()).AddRow("facebook:p1", "queued", nil, nil, []byte(`[]`), ts, ts))

	got, next, err := s.ListByUser(context.Background(), "u1", 1, cursor)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(got) != 1 || got[0].RequestID != "req-8" {
		t.Fatalf("page: %+v", got)
	}
	if next != "" {
		t.Fatalf("unexpected next cursor %q", next)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListByUser_RejectsBadCursor(t *testing.T) {
	s, _, done := newMockStore(t)
	defer done()

	if _, _, err := s.ListByUser(context.Background(), "u1", 10, "not-a-time"); err == nil {
		t.Fatalf("expected cursor error")
	}
}

func TestResubmit_FailedChildRequeues(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT video_url, caption FROM upload_requests`).
		WithArgs("req-1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"video_url", "caption"}).AddRow("https://cdn.example/v.mp4", "cap"))
	mock.ExpectExec(`UPDATE upload_request_destinations\s+SET status = 'queued',\s+error = NULL,\s+logs = logs \|\| \$3::jsonb`).
		WithArgs("req-1", "facebook:p1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT status FROM upload_request_destinations`).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("queued"))
	mock.ExpectExec(`UPDATE upload_requests SET status = \$2`).
		WithArgs("req-1", "queued").
		WillReturnResult(sqlmock.NewResult(0, 1))

	enq := &fakeEnqueuer{}
	if err := s.Resubmit(context.Background(), "u1", "req-1", "facebook:p1", enq); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("jobs: %d", len(enq.jobs))
	}
	job := enq.jobs[0]
	if job.RequestID != "req-1" || job.Destination != "facebook:p1" || job.VideoURL != "https://cdn.example/v.mp4" {
		t.Fatalf("job: %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResubmit_NonFailedChildRefuses(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT video_url, caption FROM upload_requests`).
		WithArgs("req-1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"video_url", "caption"}).AddRow("v", "c"))
	// Conditional update misses: the child is completed, not failed.
	mock.ExpectExec(`UPDATE upload_request_destinations`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	enq := &fakeEnqueuer{}
	err := s.Resubmit(context.Background(), "u1", "req-1", "facebook:p1", enq)
	if !errors.Is(err, ErrNotFailed) {
		t.Fatalf("want ErrNotFailed, got %v", err)
	}
	if len(enq.jobs) != 0 {
		t.Fatalf("no job must be enqueued, got %d", len(enq.jobs))
	}
}

func TestResubmit_EnqueueFailureRestoresFailedChild(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT video_url, caption FROM upload_requests`).
		WithArgs("req-1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"video_url", "caption"}).AddRow("v", "c"))
	mock.ExpectExec(`UPDATE upload_request_destinations\s+SET status = 'queued'`).
		WithArgs("req-1", "facebook:p1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The enqueue fails, so the child goes back to failed; a queued child with
	// no job behind it would be unrecoverable.
	mock.ExpectExec(`UPDATE upload_request_destinations\s+SET status = 'failed',\s+error = \$3`).
		WithArgs("req-1", "facebook:p1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	enq := &fakeEnqueuer{failWith: errors.New("redis down")}
	err := s.Resubmit(context.Background(), "u1", "req-1", "facebook:p1", enq)
	if err == nil || !strings.Contains(err.Error(), "resubmit enqueue") {
		t.Fatalf("want enqueue error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

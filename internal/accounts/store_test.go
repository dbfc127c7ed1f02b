package accounts

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/toallcreation/backend/internal/models"
)

func TestCreate_UpsertsOnCompositeKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := New(db)

	mock.ExpectExec(`INSERT INTO social_accounts`).
		WithArgs("u1", "facebook:p1", "facebook", "p1", "page",
			"tok", "", "", nil,
			"My Page", "p1", "My Page", "", "{}").
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := &models.Account{
		UserID:         "u1",
		Platform:       models.PlatformFacebook,
		PlatformUserID: "p1",
		AccountType:    models.AccountTypePage,
		AccessToken:    "tok",
		Username:       "My Page",
		PageID:         "p1",
		PageName:       "My Page",
	}
	if err := s.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.AccountID != "facebook:p1" {
		t.Fatalf("derived account id: got %q", a.AccountID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreate_RejectsUnknownPlatform(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := New(db)

	err = s.Create(context.Background(), &models.Account{UserID: "u1", Platform: "myspace", PlatformUserID: "x"})
	if err == nil {
		t.Fatalf("expected error for unknown platform")
	}
}

func accountColumns() []string {
	return []string{
		"user_id", "account_id", "platform", "platform_user_id", "account_type",
		"access_token", "access_token_secret", "refresh_token", "token_expires_at",
		"username", "page_id", "page_name", "instagram_account_id", "profile_data",
		"is_active", "created_at", "updated_at",
	}
}

func TestGet_ReturnsCredentials(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := New(db)

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM social_accounts\s+WHERE user_id = \$1 AND account_id = \$2`).
		WithArgs("u1", "youtube:c1").
		WillReturnRows(sqlmock.NewRows(accountColumns()).AddRow(
			"u1", "youtube:c1", "youtube", "c1", "user",
			"tok", nil, "refresh", int64(1700000000),
			"Chan", nil, nil, nil, []byte(`{"channel":"Chan"}`),
			true, now, now))

	a, err := s.Get(context.Background(), "u1", "youtube:c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.AccessToken != "tok" || a.RefreshToken != "refresh" {
		t.Fatalf("credentials: %+v", a)
	}
	if a.TokenExpiresAt == nil || *a.TokenExpiresAt != 1700000000 {
		t.Fatalf("expires: %+v", a.TokenExpiresAt)
	}
	if a.ProfileData["channel"] != "Chan" {
		t.Fatalf("profile data: %+v", a.ProfileData)
	}
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := New(db)

	mock.ExpectQuery(`SELECT .* FROM social_accounts`).
		WithArgs("u1", "tiktok:none").
		WillReturnRows(sqlmock.NewRows(accountColumns()))

	if _, err := s.Get(context.Background(), "u1", "tiktok:none"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestList_StripsSecrets(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := New(db)

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM social_accounts\s+WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(accountColumns()).
			AddRow("u1", "twitter:t1", "twitter", "t1", "user",
				"tok", "tok_secret", nil, nil,
				"handle", nil, nil, nil, []byte(`{}`),
				true, now, now))

	got, err := s.List(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len: %d", len(got))
	}
	if got[0].AccountID != "twitter:t1" || got[0].Username != "handle" {
		t.Fatalf("metadata: %+v", got[0])
	}
	// SafeAccount carries no token fields; re-encode and scan for leakage.
	b := mustJSON(t, got[0])
	for _, needle := range []string{"tok", "tok_secret"} {
		if containsValue(b, needle) {
			t.Fatalf("secret %q leaked in list output: %s", needle, b)
		}
	}
}

func TestUpdateTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := New(db)

	exp := int64(1800000000)
	mock.ExpectExec(`UPDATE social_accounts\s+SET access_token = \$3`).
		WithArgs("u1", "linkedin:l1", "new_tok", "new_refresh", &exp).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateTokens(context.Background(), "u1", "linkedin:l1", "new_tok", "new_refresh", &exp); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}

	mock.ExpectExec(`UPDATE social_accounts`).
		WithArgs("u1", "linkedin:gone", "t", "", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.UpdateTokens(context.Background(), "u1", "linkedin:gone", "t", "", nil); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()
	s := New(db)

	mock.ExpectExec(`DELETE FROM social_accounts WHERE user_id = \$1 AND account_id = \$2`).
		WithArgs("u1", "facebook:p1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Delete(context.Background(), "u1", "facebook:p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func containsValue(encoded, needle string) bool {
	return strings.Contains(encoded, `"`+needle+`"`)
}

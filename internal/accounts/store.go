// Package accounts persists the (user, account) -> credentials registry.
package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/toallcreation/backend/internal/models"
)

// ErrNotFound is returned when no account matches the composite key.
var ErrNotFound = errors.New("account not found")

// TableName returns the accounts table, honoring SOCIAL_ACCOUNTS_TABLE.
func TableName() string {
	if v := os.Getenv("SOCIAL_ACCOUNTS_TABLE"); v != "" {
		return v
	}
	return "social_accounts"
}

type Store struct {
	db    *sql.DB
	table string
}

func New(db *sql.DB) *Store {
	return &Store{db: db, table: TableName()}
}

// Create upserts an account keyed by (user_id, account_id). Re-linking the
// same account overwrites credentials and metadata in place.
func (s *Store) Create(ctx context.Context, a *models.Account) error {
	if a.UserID == "" || a.Platform == "" || a.PlatformUserID == "" {
		return fmt.Errorf("create account: missing user_id, platform or platform_user_id")
	}
	if !models.KnownPlatform(a.Platform) {
		return fmt.Errorf("create account: unknown platform %q", a.Platform)
	}
	if a.AccountID == "" {
		a.AccountID = models.AccountID(a.Platform, a.PlatformUserID)
	}
	profile, err := marshalProfile(a.ProfileData)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s
		  (user_id, account_id, platform, platform_user_id, account_type,
		   access_token, access_token_secret, refresh_token, token_expires_at,
		   username, page_id, page_name, instagram_account_id, profile_data,
		   is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::jsonb,TRUE,NOW(),NOW())
		ON CONFLICT (user_id, account_id) DO UPDATE SET
		  account_type = EXCLUDED.account_type,
		  access_token = EXCLUDED.access_token,
		  access_token_secret = EXCLUDED.access_token_secret,
		  refresh_token = EXCLUDED.refresh_token,
		  token_expires_at = EXCLUDED.token_expires_at,
		  username = EXCLUDED.username,
		  page_id = EXCLUDED.page_id,
		  page_name = EXCLUDED.page_name,
		  instagram_account_id = EXCLUDED.instagram_account_id,
		  profile_data = EXCLUDED.profile_data,
		  is_active = TRUE,
		  updated_at = NOW()
	`, s.table),
		a.UserID, a.AccountID, a.Platform, a.PlatformUserID, a.AccountType,
		a.AccessToken, a.AccessTokenSecret, a.RefreshToken, a.TokenExpiresAt,
		a.Username, a.PageID, a.PageName, a.InstagramAccountID, profile)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// Get loads one account including credentials. Worker-internal only; API
// responses must go through List or Account.Safe().
func (s *Store) Get(ctx context.Context, userID, accountID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT user_id, account_id, platform, platform_user_id, account_type,
		       access_token, access_token_secret, refresh_token, token_expires_at,
		       username, page_id, page_name, instagram_account_id, profile_data,
		       is_active, created_at, updated_at
		  FROM %s
		 WHERE user_id = $1 AND account_id = $2
	`, s.table), userID, accountID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// List returns the user's accounts with every secret stripped, optionally
// filtered by platform.
func (s *Store) List(ctx context.Context, userID, platform string) ([]models.SafeAccount, error) {
	query := fmt.Sprintf(`
		SELECT user_id, account_id, platform, platform_user_id, account_type,
		       access_token, access_token_secret, refresh_token, token_expires_at,
		       username, page_id, page_name, instagram_account_id, profile_data,
		       is_active, created_at, updated_at
		  FROM %s
		 WHERE user_id = $1
	`, s.table)
	args := []any{userID}
	if platform != "" {
		query += ` AND platform = $2`
		args = append(args, platform)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]models.SafeAccount, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		out = append(out, a.Safe())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

// UpdateTokens replaces the credential triple in one statement so a reader
// never observes a half-refreshed account.
func (s *Store) UpdateTokens(ctx context.Context, userID, accountID, accessToken, refreshToken string, expiresAt *int64) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		   SET access_token = $3,
		       refresh_token = CASE WHEN $4 <> '' THEN $4 ELSE refresh_token END,
		       token_expires_at = $5,
		       updated_at = NOW()
		 WHERE user_id = $1 AND account_id = $2
	`, s.table), userID, accountID, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the account. Deleting an unknown account is not an error.
func (s *Store) Delete(ctx context.Context, userID, accountID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE user_id = $1 AND account_id = $2
	`, s.table), userID, accountID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var secret, refresh, username, pageID, pageName, igID sql.NullString
	var expires sql.NullInt64
	var profile []byte
	if err := row.Scan(
		&a.UserID, &a.AccountID, &a.Platform, &a.PlatformUserID, &a.AccountType,
		&a.AccessToken, &secret, &refresh, &expires,
		&username, &pageID, &pageName, &igID, &profile,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.AccessTokenSecret = secret.String
	a.RefreshToken = refresh.String
	a.Username = username.String
	a.PageID = pageID.String
	a.PageName = pageName.String
	a.InstagramAccountID = igID.String
	if expires.Valid {
		v := expires.Int64
		a.TokenExpiresAt = &v
	}
	if len(profile) > 0 {
		_ = json.Unmarshal(profile, &a.ProfileData)
	}
	return &a, nil
}

func marshalProfile(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

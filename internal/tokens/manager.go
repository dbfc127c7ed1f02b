// Package tokens refreshes platform OAuth credentials just in time.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/toallcreation/backend/internal/models"
)

// CredentialError marks a refresh failure. Destinations hit by one are failed
// without retry; the user has to reconnect the account.
type CredentialError struct {
	Platform string
	Reason   string
	Err      error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Platform, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Reason)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Registry is the slice of the account store the manager needs.
type Registry interface {
	UpdateTokens(ctx context.Context, userID, accountID, accessToken, refreshToken string, expiresAt *int64) error
}

// Refresh endpoints. Variables so tests can point them at a stub server.
var (
	FacebookExchangeURL = "https://graph.facebook.com/v18.0/oauth/access_token"
	GoogleTokenURL      = "https://oauth2.googleapis.com/token"
	LinkedInTokenURL    = "https://www.linkedin.com/oauth/v2/accessToken"
	TikTokTokenURL      = "https://open.tiktokapis.com/v2/oauth/token/"
)

// Per-platform freshness windows: refresh when the token expires within the
// window. YouTube tokens are only refreshed once actually expired.
func refreshWindow(platform string) time.Duration {
	switch platform {
	case models.PlatformFacebook, models.PlatformInstagram, models.PlatformLinkedIn:
		return 7 * 24 * time.Hour
	case models.PlatformTikTok:
		return 5 * time.Minute
	default:
		return 0
	}
}

type Manager struct {
	registry Registry
	client   *http.Client
	now      func() time.Time
}

func New(registry Registry) *Manager {
	return &Manager{
		registry: registry,
		client:   &http.Client{Timeout: 15 * time.Second},
		now:      time.Now,
	}
}

// EnsureFresh returns a usable access token for the account, refreshing and
// persisting a new credential triple first when the stored one is stale. The
// passed account is updated in place on refresh.
func (m *Manager) EnsureFresh(ctx context.Context, a *models.Account) (string, error) {
	if a.Platform == models.PlatformTwitter {
		// OAuth 1.0a tokens do not expire; both halves must be present.
		if a.AccessToken == "" || a.AccessTokenSecret == "" {
			return "", &CredentialError{Platform: a.Platform, Reason: "missing_oauth1_credentials"}
		}
		return a.AccessToken, nil
	}
	if a.AccessToken == "" {
		return "", &CredentialError{Platform: a.Platform, Reason: "not_connected"}
	}
	if !a.TokenExpired(refreshWindow(a.Platform), m.now()) {
		return a.AccessToken, nil
	}

	log.Printf("[Tokens] refresh platform=%s accountId=%s", a.Platform, a.AccountID)

	var access, refresh string
	var expiresIn int64
	var err error
	switch a.Platform {
	case models.PlatformFacebook, models.PlatformInstagram:
		access, expiresIn, err = m.exchangeFacebook(ctx, a.AccessToken)
	case models.PlatformYouTube:
		access, expiresIn, err = m.refreshGoogle(ctx, a.RefreshToken)
	case models.PlatformLinkedIn:
		access, refresh, expiresIn, err = m.refreshLinkedIn(ctx, a.RefreshToken)
	case models.PlatformTikTok:
		access, refresh, expiresIn, err = m.refreshTikTok(ctx, a.RefreshToken)
	default:
		return "", &CredentialError{Platform: a.Platform, Reason: "unsupported_platform"}
	}
	if err != nil {
		var ce *CredentialError
		if errors.As(err, &ce) {
			return "", err
		}
		return "", &CredentialError{Platform: a.Platform, Reason: "refresh_failed", Err: err}
	}

	var expiresAt *int64
	if expiresIn > 0 {
		v := m.now().Unix() + expiresIn
		expiresAt = &v
	}
	if err := m.registry.UpdateTokens(ctx, a.UserID, a.AccountID, access, refresh, expiresAt); err != nil {
		return "", &CredentialError{Platform: a.Platform, Reason: "token_persist_failed", Err: err}
	}
	a.AccessToken = access
	if refresh != "" {
		a.RefreshToken = refresh
	}
	a.TokenExpiresAt = expiresAt
	return access, nil
}

// exchangeFacebook trades the current long-lived token for a fresh one. There
// is no separate refresh token on the Graph API.
func (m *Manager) exchangeFacebook(ctx context.Context, current string) (string, int64, error) {
	clientID := os.Getenv("FACEBOOK_CLIENT_ID")
	clientSecret := os.Getenv("FACEBOOK_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return "", 0, &CredentialError{Platform: models.PlatformFacebook, Reason: "missing_app_credentials"}
	}
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", clientID)
	q.Set("client_secret", clientSecret)
	q.Set("fb_exchange_token", current)

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := m.getJSON(ctx, FacebookExchangeURL+"?"+q.Encode(), &body); err != nil {
		return "", 0, err
	}
	if body.AccessToken == "" {
		return "", 0, fmt.Errorf("exchange_empty_token")
	}
	return body.AccessToken, body.ExpiresIn, nil
}

func (m *Manager) refreshGoogle(ctx context.Context, refreshToken string) (string, int64, error) {
	if refreshToken == "" {
		return "", 0, &CredentialError{Platform: models.PlatformYouTube, Reason: "no_refresh_token"}
	}
	form := url.Values{}
	form.Set("client_id", os.Getenv("YOUTUBE_CLIENT_ID"))
	form.Set("client_secret", os.Getenv("YOUTUBE_CLIENT_SECRET"))
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := m.postForm(ctx, GoogleTokenURL, form, &body); err != nil {
		return "", 0, err
	}
	if body.AccessToken == "" {
		return "", 0, fmt.Errorf("refresh_empty_token")
	}
	return body.AccessToken, body.ExpiresIn, nil
}

func (m *Manager) refreshLinkedIn(ctx context.Context, refreshToken string) (string, string, int64, error) {
	if refreshToken == "" {
		return "", "", 0, &CredentialError{Platform: models.PlatformLinkedIn, Reason: "no_refresh_token"}
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", os.Getenv("LINKEDIN_CLIENT_ID"))
	form.Set("client_secret", os.Getenv("LINKEDIN_CLIENT_SECRET"))

	var body struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := m.postForm(ctx, LinkedInTokenURL, form, &body); err != nil {
		return "", "", 0, err
	}
	if body.AccessToken == "" {
		return "", "", 0, fmt.Errorf("refresh_empty_token")
	}
	return body.AccessToken, body.RefreshToken, body.ExpiresIn, nil
}

func (m *Manager) refreshTikTok(ctx context.Context, refreshToken string) (string, string, int64, error) {
	if refreshToken == "" {
		return "", "", 0, &CredentialError{Platform: models.PlatformTikTok, Reason: "no_refresh_token"}
	}
	form := url.Values{}
	form.Set("client_key", os.Getenv("TIKTOK_CLIENT_KEY"))
	form.Set("client_secret", os.Getenv("TIKTOK_CLIENT_SECRET"))
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	var body struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := m.postForm(ctx, TikTokTokenURL, form, &body); err != nil {
		return "", "", 0, err
	}
	if body.AccessToken == "" {
		return "", "", 0, fmt.Errorf("refresh_empty_token")
	}
	return body.AccessToken, body.RefreshToken, body.ExpiresIn, nil
}

func (m *Manager) getJSON(ctx context.Context, rawURL string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return m.do(req, dst)
}

func (m *Manager) postForm(ctx context.Context, rawURL string, form url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return m.do(req, dst)
}

func (m *Manager) do(req *http.Request, dst any) error {
	res, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("refresh_non_2xx status=%d body=%s", res.StatusCode, truncate(string(b), 300))
	}
	return json.Unmarshal(b, dst)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

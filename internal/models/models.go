package models

import (
	"fmt"
	"strings"
	"time"
)

// Supported platforms. Destination identifiers are "<platform>:<entity_id>".
const (
	PlatformFacebook  = "facebook"
	PlatformInstagram = "instagram"
	PlatformTwitter   = "twitter"
	PlatformYouTube   = "youtube"
	PlatformLinkedIn  = "linkedin"
	PlatformTikTok    = "tiktok"
)

// Account types.
const (
	AccountTypeUser         = "user"
	AccountTypePage         = "page"
	AccountTypeBusiness     = "business"
	AccountTypeOrganization = "organization"
)

// Per-destination / overall request statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Scheduled post statuses.
const (
	ScheduleStatusScheduled  = "scheduled"
	ScheduleStatusProcessing = "processing"
	ScheduleStatusPosted     = "posted"
	ScheduleStatusCancelled  = "cancelled"
	ScheduleStatusFailed     = "failed"
)

// KnownPlatform reports whether p is one of the six supported platforms.
func KnownPlatform(p string) bool {
	switch p {
	case PlatformFacebook, PlatformInstagram, PlatformTwitter, PlatformYouTube, PlatformLinkedIn, PlatformTikTok:
		return true
	}
	return false
}

// AccountID derives the composite account identifier from a platform and the
// user's id on that platform.
func AccountID(platform, platformUserID string) string {
	return platform + ":" + platformUserID
}

// SplitDestination parses "<platform>:<entity_id>". The entity id may itself
// contain colons (LinkedIn URNs), so only the first separator counts.
func SplitDestination(dest string) (platform, entityID string, err error) {
	i := strings.Index(dest, ":")
	if i <= 0 || i == len(dest)-1 {
		return "", "", fmt.Errorf("invalid destination %q (want \"platform:id\")", dest)
	}
	platform = dest[:i]
	entityID = dest[i+1:]
	if !KnownPlatform(platform) {
		return "", "", fmt.Errorf("unknown platform %q", platform)
	}
	return platform, entityID, nil
}

// Account is one linked social account. Tokens are present only on internal
// reads; list responses must carry a SafeAccount instead.
type Account struct {
	UserID             string         `json:"userId"`
	AccountID          string         `json:"accountId"`
	Platform           string         `json:"platform"`
	PlatformUserID     string         `json:"platformUserId"`
	AccountType        string         `json:"accountType"`
	AccessToken        string         `json:"-"`
	AccessTokenSecret  string         `json:"-"`
	RefreshToken       string         `json:"-"`
	TokenExpiresAt     *int64         `json:"tokenExpiresAt,omitempty"`
	Username           string         `json:"username,omitempty"`
	PageID             string         `json:"pageId,omitempty"`
	PageName           string         `json:"pageName,omitempty"`
	InstagramAccountID string         `json:"instagramAccountId,omitempty"`
	ProfileData        map[string]any `json:"profileData,omitempty"`
	IsActive           bool           `json:"isActive"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// TokenExpired reports whether the access token is expired or expires within
// the given window. Accounts with no expiry never expire.
func (a *Account) TokenExpired(window time.Duration, now time.Time) bool {
	if a.TokenExpiresAt == nil {
		return false
	}
	return now.Add(window).Unix() >= *a.TokenExpiresAt
}

// SafeAccount is the list-view projection of an Account with every secret
// stripped. It is the only account shape that crosses the API boundary.
type SafeAccount struct {
	UserID             string         `json:"userId"`
	AccountID          string         `json:"accountId"`
	Platform           string         `json:"platform"`
	PlatformUserID     string         `json:"platformUserId"`
	AccountType        string         `json:"accountType"`
	TokenExpiresAt     *int64         `json:"tokenExpiresAt,omitempty"`
	Username           string         `json:"username,omitempty"`
	PageID             string         `json:"pageId,omitempty"`
	PageName           string         `json:"pageName,omitempty"`
	InstagramAccountID string         `json:"instagramAccountId,omitempty"`
	ProfileData        map[string]any `json:"profileData,omitempty"`
	IsActive           bool           `json:"isActive"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Safe strips the credential fields.
func (a *Account) Safe() SafeAccount {
	return SafeAccount{
		UserID:             a.UserID,
		AccountID:          a.AccountID,
		Platform:           a.Platform,
		PlatformUserID:     a.PlatformUserID,
		AccountType:        a.AccountType,
		TokenExpiresAt:     a.TokenExpiresAt,
		Username:           a.Username,
		PageID:             a.PageID,
		PageName:           a.PageName,
		InstagramAccountID: a.InstagramAccountID,
		ProfileData:        a.ProfileData,
		IsActive:           a.IsActive,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

// LogEntry is one line in a destination's append-only log.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// DestinationRecord is the per-destination child of an upload request.
type DestinationRecord struct {
	Destination string         `json:"destination"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Logs        []LogEntry     `json:"logs"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// UploadRequest is the parent row of one publish request.
type UploadRequest struct {
	RequestID    string                       `json:"requestId"`
	UserID       string                       `json:"userId"`
	VideoURL     string                       `json:"videoUrl"`
	Caption      string                       `json:"caption"`
	Status       string                       `json:"status"`
	Destinations map[string]DestinationRecord `json:"destinations"`
	CreatedAt    time.Time                    `json:"createdAt"`
	UpdatedAt    time.Time                    `json:"updatedAt"`
}

// ScheduledPost is a publish request waiting for its scheduled_time.
type ScheduledPost struct {
	UserID           string         `json:"userId"`
	ScheduledPostID  string         `json:"scheduledPostId"`
	VideoURL         string         `json:"videoUrl"`
	Caption          string         `json:"caption"`
	Destinations     []string       `json:"destinations"`
	PlatformSettings map[string]any `json:"platformSettings,omitempty"`
	ScheduledTime    int64          `json:"scheduledTime"`
	Timezone         string         `json:"timezone"`
	Status           string         `json:"status"`
	RequestID        string         `json:"requestId,omitempty"`
	Error            string         `json:"error,omitempty"`
	PostedAt         *time.Time     `json:"postedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// JobMessage is the posting-queue payload, one per destination.
type JobMessage struct {
	RequestID        string         `json:"request_id"`
	UserID           string         `json:"user_id"`
	Destination      string         `json:"destination"`
	VideoURL         string         `json:"video_url"`
	Caption          string         `json:"caption"`
	PlatformSettings map[string]any `json:"platform_settings,omitempty"`
}

// DeriveOverallStatus computes the parent status from the child statuses.
//
// Rule: any child processing wins, then any failed, then completed when every
// child is completed, otherwise queued. The function is pure and idempotent,
// so concurrent recomputation is safe (last write wins with the same value).
func DeriveOverallStatus(children []string) string {
	if len(children) == 0 {
		return StatusQueued
	}
	allCompleted := true
	anyFailed := false
	for _, s := range children {
		switch s {
		case StatusProcessing:
			return StatusProcessing
		case StatusFailed:
			anyFailed = true
			allCompleted = false
		case StatusCompleted:
		default:
			allCompleted = false
		}
	}
	if anyFailed {
		return StatusFailed
	}
	if allCompleted {
		return StatusCompleted
	}
	return StatusQueued
}

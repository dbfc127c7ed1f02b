// Package publish implements the per-platform upload protocols. Adapters
// never touch the request store; they log through the supplied buffer and
// either return a terminal result map or an *Error the worker records.
package publish

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/toallcreation/backend/internal/joblog"
	"github.com/toallcreation/backend/internal/models"
)

// Publisher is the common adapter contract. The call is synchronous; every
// poll loop and chunk retry happens inside it, bounded by ctx and the
// adapter's own budgets.
type Publisher interface {
	Publish(ctx context.Context, account *models.Account, videoURL, caption string, settings map[string]any, logger *joblog.Logger) (map[string]any, error)
}

// Error is an adapter failure with enough context for a diagnostic log line.
type Error struct {
	Platform string
	Step     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Platform, e.Step, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Platform, e.Step, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func stepErr(platform, step, message string, err error) *Error {
	return &Error{Platform: platform, Step: step, Message: message, Err: err}
}

// ForPlatform returns the adapter for one of the six supported platforms.
func ForPlatform(platform string) (Publisher, error) {
	switch platform {
	case models.PlatformFacebook:
		return &Facebook{}, nil
	case models.PlatformInstagram:
		return &Instagram{}, nil
	case models.PlatformTwitter:
		return &Twitter{}, nil
	case models.PlatformYouTube:
		return &YouTube{}, nil
	case models.PlatformLinkedIn:
		return &LinkedIn{}, nil
	case models.PlatformTikTok:
		return &TikTok{}, nil
	}
	return nil, fmt.Errorf("unknown platform %q", platform)
}

// Conservative per-platform limiters shared by all workers in the process.
var limiters = map[string]*rate.Limiter{
	models.PlatformFacebook:  rate.NewLimiter(rate.Limit(2), 4),
	models.PlatformInstagram: rate.NewLimiter(rate.Limit(2), 4),
	models.PlatformTwitter:   rate.NewLimiter(rate.Limit(1), 2),
	models.PlatformYouTube:   rate.NewLimiter(rate.Limit(3), 3),
	models.PlatformLinkedIn:  rate.NewLimiter(rate.Limit(1), 2),
	models.PlatformTikTok:    rate.NewLimiter(rate.Limit(1), 2),
}

func waitPlatform(ctx context.Context, platform string) error {
	lim := limiters[platform]
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func settingString(settings map[string]any, key, def string) string {
	if settings == nil {
		return def
	}
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return def
}

func settingBool(settings map[string]any, key string) bool {
	if settings == nil {
		return false
	}
	v, _ := settings[key].(bool)
	return v
}

func settingInt(settings map[string]any, key string, def int) int {
	if settings == nil {
		return def
	}
	switch v := settings[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

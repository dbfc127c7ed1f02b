package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/toallcreation/backend/internal/joblog"
	"github.com/toallcreation/backend/internal/models"
)

// GraphBaseURL is the Facebook Graph API root, shared with the Instagram
// adapter. Variable so tests can point it at a stub.
var GraphBaseURL = "https://graph.facebook.com/v18.0"

// Facebook publishes a page video with a single Graph API call; Facebook
// fetches the blob itself via file_url.
type Facebook struct{}

func (f *Facebook) Publish(ctx context.Context, account *models.Account, videoURL, caption string, settings map[string]any, logger *joblog.Logger) (map[string]any, error) {
	pageID := account.PageID
	if pageID == "" {
		pageID = account.PlatformUserID
	}
	logger.Info("Posting video to Facebook page %s", pageID)

	if err := waitPlatform(ctx, models.PlatformFacebook); err != nil {
		return nil, stepErr(models.PlatformFacebook, "rate_limit", "cancelled", err)
	}

	form := url.Values{}
	form.Set("file_url", videoURL)
	form.Set("description", caption)
	form.Set("access_token", account.AccessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/videos", GraphBaseURL, pageID), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, stepErr(models.PlatformFacebook, "publish", "request_build_failed", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 5 * time.Minute}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("Facebook video post failed: %v", err)
		return nil, stepErr(models.PlatformFacebook, "publish", "request_failed", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("Facebook video post returned %d: %s", res.StatusCode, truncate(string(b), 300))
		return nil, stepErr(models.PlatformFacebook, "publish",
			fmt.Sprintf("videos_non_2xx status=%d body=%s", res.StatusCode, truncate(string(b), 300)), nil)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return nil, stepErr(models.PlatformFacebook, "publish", "missing_post_id", err)
	}
	logger.Info("Facebook video published, post id %s", out.ID)
	return map[string]any{"post_id": out.ID}, nil
}

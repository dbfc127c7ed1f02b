package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/toallcreation/backend/internal/joblog"
	"github.com/toallcreation/backend/internal/models"
)

var (
	TikTokAPIBase = "https://open.tiktokapis.com/v2"

	// Upload attempts get progressively more patient. Only a timeout moves
	// to the next attempt; HTTP errors fail immediately.
	tiktokUploadTimeouts = []time.Duration{3 * time.Minute, 6 * time.Minute, 9 * time.Minute}
)

// TikTok publishes through the direct-post API: init with the video size,
// single-chunk PUT to the issued upload URL, then a status fetch.
type TikTok struct{}

func (tk *TikTok) Publish(ctx context.Context, account *models.Account, videoURL, caption string, settings map[string]any, logger *joblog.Logger) (map[string]any, error) {
	logger.Info("Downloading video for TikTok upload")
	data, err := downloadToMemory(ctx, videoURL, maxInMemoryBlob)
	if err != nil {
		logger.Error("Video download failed: %v", err)
		return nil, stepErr(models.PlatformTikTok, "download", "blob_download_failed", err)
	}

	publishID, uploadURL, err := tk.initPost(ctx, account.AccessToken, caption, settings, int64(len(data)), logger)
	if err != nil {
		return nil, err
	}
	if err := tk.uploadBlob(ctx, uploadURL, data, logger); err != nil {
		return nil, err
	}
	status, err := tk.fetchStatus(ctx, account.AccessToken, publishID, logger)
	if err != nil {
		return nil, err
	}
	return map[string]any{"publish_id": publishID, "status": status}, nil
}

func (tk *TikTok) initPost(ctx context.Context, token, caption string, settings map[string]any, size int64, logger *joblog.Logger) (publishID, uploadURL string, err error) {
	if err := waitPlatform(ctx, models.PlatformTikTok); err != nil {
		return "", "", stepErr(models.PlatformTikTok, "init", "cancelled", err)
	}
	title := truncate(caption, 150)
	payload, _ := json.Marshal(map[string]any{
		"post_info": map[string]any{
			"title":                    title,
			"privacy_level":            settingString(settings, "privacy_level", "SELF_ONLY"),
			"disable_comment":          settingBool(settings, "disable_comment"),
			"disable_duet":             settingBool(settings, "disable_duet"),
			"disable_stitch":           settingBool(settings, "disable_stitch"),
			"video_cover_timestamp_ms": settingInt(settings, "video_cover_timestamp_ms", 1000),
		},
		"source_info": map[string]any{
			"source":            "FILE_UPLOAD",
			"video_size":        size,
			"chunk_size":        size,
			"total_chunk_count": 1,
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		TikTokAPIBase+"/post/publish/video/init/", bytes.NewReader(payload))
	if err != nil {
		return "", "", stepErr(models.PlatformTikTok, "init", "request_build_failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	client := &http.Client{Timeout: 30 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("Post init failed: %v", err)
		return "", "", stepErr(models.PlatformTikTok, "init", "request_failed", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("Post init returned %d: %s", res.StatusCode, truncate(string(b), 300))
		return "", "", stepErr(models.PlatformTikTok, "init",
			fmt.Sprintf("init_non_2xx status=%d", res.StatusCode), nil)
	}
	var out struct {
		Data struct {
			PublishID string `json:"publish_id"`
			UploadURL string `json:"upload_url"`
		} `json:"data"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", "", stepErr(models.PlatformTikTok, "init", "bad_response", err)
	}
	if out.Error.Code != "" && out.Error.Code != "ok" {
		logger.Error("Post init rejected: %s %s", out.Error.Code, out.Error.Message)
		return "", "", stepErr(models.PlatformTikTok, "init", "init_rejected code="+out.Error.Code, nil)
	}
	if out.Data.PublishID == "" || out.Data.UploadURL == "" {
		return "", "", stepErr(models.PlatformTikTok, "init", "missing_publish_id_or_upload_url", nil)
	}
	logger.Info("Post initialized, publish id %s", out.Data.PublishID)
	return out.Data.PublishID, out.Data.UploadURL, nil
}

// uploadBlob PUTs the whole video as one chunk. Timeouts retry with the next
// (longer) attempt timeout; any HTTP status error is final.
func (tk *TikTok) uploadBlob(ctx context.Context, uploadURL string, data []byte, logger *joblog.Logger) error {
	size := int64(len(data))
	var lastErr error
	for attempt, timeout := range tiktokUploadTimeouts {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
		if err != nil {
			return stepErr(models.PlatformTikTok, "upload", "request_build_failed", err)
		}
		req.ContentLength = size
		req.Header.Set("Content-Type", "video/mp4")
		req.Header.Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", size-1, size))

		client := &http.Client{Timeout: timeout}
		res, err := client.Do(req)
		if err != nil {
			if isTimeout(err) {
				logger.Warn("Upload attempt %d/%d timed out after %s", attempt+1, len(tiktokUploadTimeouts), timeout)
				lastErr = err
				continue
			}
			logger.Error("Upload failed: %v", err)
			return stepErr(models.PlatformTikTok, "upload", "request_failed", err)
		}
		b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			logger.Error("Upload returned %d: %s", res.StatusCode, truncate(string(b), 300))
			return stepErr(models.PlatformTikTok, "upload",
				fmt.Sprintf("upload_non_2xx status=%d", res.StatusCode), nil)
		}
		logger.Info("Uploaded %d bytes", size)
		return nil
	}
	return stepErr(models.PlatformTikTok, "upload", "upload_timeout_exhausted", lastErr)
}

func (tk *TikTok) fetchStatus(ctx context.Context, token, publishID string, logger *joblog.Logger) (string, error) {
	payload, _ := json.Marshal(map[string]any{"publish_id": publishID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		TikTokAPIBase+"/post/publish/status/fetch/", bytes.NewReader(payload))
	if err != nil {
		return "", stepErr(models.PlatformTikTok, "status", "request_build_failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	client := &http.Client{Timeout: 30 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		logger.Warn("Status fetch failed: %v", err)
		// The upload already succeeded; report the post as in flight.
		return "PROCESSING", nil
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	var out struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	_ = json.Unmarshal(b, &out)
	status := out.Data.Status
	if status == "" {
		status = "PROCESSING"
	}
	logger.Info("Publish status: %s", status)
	if status == "FAILED" {
		return "", stepErr(models.PlatformTikTok, "status", "publish_failed", nil)
	}
	return status, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	return false
}

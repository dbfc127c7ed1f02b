package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/toallcreation/backend/internal/joblog"
	"github.com/toallcreation/backend/internal/models"
)

var YouTubeUploadURL = "https://www.googleapis.com/upload/youtube/v3/videos"

// YouTube publishes a Short via the resumable upload protocol: a metadata
// POST that yields an upload URL in the Location header, then a single PUT
// of the blob.
type YouTube struct{}

func (yt *YouTube) Publish(ctx context.Context, account *models.Account, videoURL, caption string, settings map[string]any, logger *joblog.Logger) (map[string]any, error) {
	logger.Info("Downloading video for YouTube upload")
	path, size, cleanup, err := downloadToFile(ctx, videoURL)
	if err != nil {
		logger.Error("Video download failed: %v", err)
		return nil, stepErr(models.PlatformYouTube, "download", "blob_download_failed", err)
	}
	defer cleanup()

	uploadURL, err := yt.initResumable(ctx, account.AccessToken, caption, settings, size, logger)
	if err != nil {
		return nil, err
	}
	videoID, err := yt.uploadBlob(ctx, uploadURL, path, size, logger)
	if err != nil {
		return nil, err
	}
	return map[string]any{"video_id": videoID, "status": "published"}, nil
}

func (yt *YouTube) initResumable(ctx context.Context, token, caption string, settings map[string]any, size int64, logger *joblog.Logger) (string, error) {
	if err := waitPlatform(ctx, models.PlatformYouTube); err != nil {
		return "", stepErr(models.PlatformYouTube, "init", "cancelled", err)
	}

	title := settingString(settings, "title", "")
	if title == "" {
		title = caption
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Video"
	}
	if len([]rune(title)) > 100 {
		title = string([]rune(title)[:100])
	}
	description := caption
	if !strings.Contains(description, "#Shorts") {
		description = strings.TrimSpace(description + " #Shorts")
	}
	var tags []string
	if settings != nil {
		if raw, ok := settings["tags"].([]any); ok {
			for _, t := range raw {
				if s, ok := t.(string); ok {
					tags = append(tags, s)
				}
			}
		}
	}

	meta := map[string]any{
		"snippet": map[string]any{
			"title":       title,
			"description": description,
			"tags":        tags,
			"categoryId":  "22",
		},
		"status": map[string]any{
			"privacyStatus":           settingString(settings, "privacy_status", "public"),
			"selfDeclaredMadeForKids": false,
		},
	}
	payload, _ := json.Marshal(meta)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		YouTubeUploadURL+"?uploadType=resumable&part=snippet,status", bytes.NewReader(payload))
	if err != nil {
		return "", stepErr(models.PlatformYouTube, "init", "request_build_failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))
	req.Header.Set("X-Upload-Content-Type", "video/*")

	client := &http.Client{Timeout: 30 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("Resumable init failed: %v", err)
		return "", stepErr(models.PlatformYouTube, "init", "request_failed", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("Resumable init returned %d: %s", res.StatusCode, truncate(string(b), 300))
		return "", stepErr(models.PlatformYouTube, "init",
			fmt.Sprintf("resumable_init_non_2xx status=%d", res.StatusCode), nil)
	}
	uploadURL := res.Header.Get("Location")
	if uploadURL == "" {
		return "", stepErr(models.PlatformYouTube, "init", "missing_upload_location", nil)
	}
	logger.Info("Resumable upload initialized (title %q)", title)
	return uploadURL, nil
}

func (yt *YouTube) uploadBlob(ctx context.Context, uploadURL, path string, size int64, logger *joblog.Logger) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", stepErr(models.PlatformYouTube, "upload", "scratch_open_failed", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return "", stepErr(models.PlatformYouTube, "upload", "request_build_failed", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "video/*")

	client := &http.Client{Timeout: 5 * time.Minute}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("Video upload failed: %v", err)
		return "", stepErr(models.PlatformYouTube, "upload", "request_failed", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("Video upload returned %d: %s", res.StatusCode, truncate(string(b), 300))
		return "", stepErr(models.PlatformYouTube, "upload",
			fmt.Sprintf("upload_non_2xx status=%d", res.StatusCode), nil)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", stepErr(models.PlatformYouTube, "upload", "missing_video_id", err)
	}
	logger.Info("YouTube video published, id %s", out.ID)
	return out.ID, nil
}

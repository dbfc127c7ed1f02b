package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/toallcreation/backend/internal/joblog"
	"github.com/toallcreation/backend/internal/models"
)

const igChunkSize = 5 << 20 // 5 MiB

// Poll pacing, shortened in tests.
var (
	igPollInterval = 3 * time.Second
	igPollAttempts = 5
)

// Instagram publishes a reel through the resumable container protocol:
// create container, upload chunks, poll until FINISHED, publish. If the
// container is still processing when the poll budget runs out the post is
// reported as a success with status "processing"; Instagram finishes on its
// own.
type Instagram struct{}

func (ig *Instagram) Publish(ctx context.Context, account *models.Account, videoURL, caption string, settings map[string]any, logger *joblog.Logger) (map[string]any, error) {
	igID := account.InstagramAccountID
	if igID == "" {
		igID = account.PlatformUserID
	}

	logger.Info("Downloading video for Instagram reel upload")
	path, size, cleanup, err := downloadToFile(ctx, videoURL)
	if err != nil {
		logger.Error("Video download failed: %v", err)
		return nil, stepErr(models.PlatformInstagram, "download", "blob_download_failed", err)
	}
	defer cleanup()

	containerID, uploadURI, err := ig.initContainer(ctx, igID, account.AccessToken, caption, size, logger)
	if err != nil {
		return nil, err
	}
	if err := ig.uploadChunks(ctx, uploadURI, account.AccessToken, path, size, logger); err != nil {
		return nil, err
	}

	status, err := ig.pollContainer(ctx, containerID, account.AccessToken, logger)
	if err != nil {
		return nil, err
	}
	if status != "FINISHED" {
		logger.Warn("Container %s still %s after poll budget; Instagram will finalize it", containerID, status)
		return map[string]any{"container_id": containerID, "status": "processing"}, nil
	}

	mediaID, err := ig.publishContainer(ctx, igID, containerID, account.AccessToken, logger)
	if err != nil {
		return nil, err
	}
	return map[string]any{"media_id": mediaID, "status": "published"}, nil
}

func (ig *Instagram) initContainer(ctx context.Context, igID, token, caption string, size int64, logger *joblog.Logger) (containerID, uploadURI string, err error) {
	if err := waitPlatform(ctx, models.PlatformInstagram); err != nil {
		return "", "", stepErr(models.PlatformInstagram, "init", "cancelled", err)
	}
	form := url.Values{}
	form.Set("media_type", "REELS")
	form.Set("upload_type", "resumable")
	form.Set("file_size", strconv.FormatInt(size, 10))
	form.Set("caption", caption)
	form.Set("share_to_feed", "true")
	form.Set("access_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/media", GraphBaseURL, igID), strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", stepErr(models.PlatformInstagram, "init", "request_build_failed", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("Container init failed: %v", err)
		return "", "", stepErr(models.PlatformInstagram, "init", "request_failed", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("Container init returned %d: %s", res.StatusCode, truncate(string(b), 300))
		return "", "", stepErr(models.PlatformInstagram, "init",
			fmt.Sprintf("media_non_2xx status=%d", res.StatusCode), nil)
	}
	var out struct {
		ID  string `json:"id"`
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" || out.URI == "" {
		return "", "", stepErr(models.PlatformInstagram, "init", "missing_container_or_upload_uri", err)
	}
	logger.Info("Created media container %s", out.ID)
	return out.ID, out.URI, nil
}

func (ig *Instagram) uploadChunks(ctx context.Context, uploadURI, token, path string, size int64, logger *joblog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return stepErr(models.PlatformInstagram, "upload", "scratch_open_failed", err)
	}
	defer f.Close()

	client := &http.Client{Timeout: 5 * time.Minute}
	total := int((size + igChunkSize - 1) / igChunkSize)
	buf := make([]byte, igChunkSize)
	var offset int64
	for chunk := 1; offset < size; chunk++ {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return stepErr(models.PlatformInstagram, "upload", "scratch_read_failed", err)
		}
		if n == 0 {
			break
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURI, strings.NewReader(string(buf[:n])))
		if err != nil {
			return stepErr(models.PlatformInstagram, "upload", "request_build_failed", err)
		}
		req.Header.Set("Authorization", "OAuth "+token)
		req.Header.Set("offset", strconv.FormatInt(offset, 10))
		req.Header.Set("file_size", strconv.FormatInt(size, 10))
		req.ContentLength = int64(n)

		res, err := client.Do(req)
		if err != nil {
			logger.Error("Chunk %d/%d upload failed: %v", chunk, total, err)
			return stepErr(models.PlatformInstagram, "upload", fmt.Sprintf("chunk_%d_failed", chunk), err)
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		res.Body.Close()
		switch res.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusPartialContent:
		default:
			logger.Error("Chunk %d/%d returned %d: %s", chunk, total, res.StatusCode, truncate(string(body), 300))
			return stepErr(models.PlatformInstagram, "upload",
				fmt.Sprintf("chunk_%d_non_2xx status=%d", chunk, res.StatusCode), nil)
		}
		offset += int64(n)
		logger.Info("Uploaded chunk %d/%d (%d bytes)", chunk, total, n)
	}
	return nil
}

// pollContainer returns the last observed status_code, one of FINISHED,
// IN_PROGRESS or PUBLISHED. ERROR fails the destination.
func (ig *Instagram) pollContainer(ctx context.Context, containerID, token string, logger *joblog.Logger) (string, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	last := "IN_PROGRESS"
	for attempt := 1; attempt <= igPollAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/%s?fields=status_code&access_token=%s", GraphBaseURL, containerID, url.QueryEscape(token)), nil)
		if err != nil {
			return "", stepErr(models.PlatformInstagram, "poll", "request_build_failed", err)
		}
		res, err := client.Do(req)
		if err != nil {
			logger.Warn("Container status check %d failed: %v", attempt, err)
		} else {
			b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
			res.Body.Close()
			var out struct {
				StatusCode string `json:"status_code"`
			}
			_ = json.Unmarshal(b, &out)
			if out.StatusCode != "" {
				last = out.StatusCode
			}
			logger.Info("Container %s status: %s (check %d/%d)", containerID, last, attempt, igPollAttempts)
			switch last {
			case "FINISHED":
				return last, nil
			case "ERROR":
				return "", stepErr(models.PlatformInstagram, "poll", "container_processing_error", nil)
			}
		}
		if attempt < igPollAttempts {
			select {
			case <-ctx.Done():
				return "", stepErr(models.PlatformInstagram, "poll", "cancelled", ctx.Err())
			case <-time.After(igPollInterval):
			}
		}
	}
	return last, nil
}

func (ig *Instagram) publishContainer(ctx context.Context, igID, containerID, token string, logger *joblog.Logger) (string, error) {
	if err := waitPlatform(ctx, models.PlatformInstagram); err != nil {
		return "", stepErr(models.PlatformInstagram, "publish", "cancelled", err)
	}
	form := url.Values{}
	form.Set("creation_id", containerID)
	form.Set("access_token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/media_publish", GraphBaseURL, igID), strings.NewReader(form.Encode()))
	if err != nil {
		return "", stepErr(models.PlatformInstagram, "publish", "request_build_failed", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("media_publish failed: %v", err)
		return "", stepErr(models.PlatformInstagram, "publish", "request_failed", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("media_publish returned %d: %s", res.StatusCode, truncate(string(b), 300))
		return "", stepErr(models.PlatformInstagram, "publish",
			fmt.Sprintf("media_publish_non_2xx status=%d", res.StatusCode), nil)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.ID == "" {
		return "", stepErr(models.PlatformInstagram, "publish", "missing_media_id", err)
	}
	logger.Info("Reel published, media id %s", out.ID)
	return out.ID, nil
}

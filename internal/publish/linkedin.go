package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/toallcreation/backend/internal/joblog"
	"github.com/toallcreation/backend/internal/models"
)

var (
	LinkedInAPIBase = "https://api.linkedin.com/v2"

	linkedinPollInterval = 5 * time.Second
	linkedinPollBudget   = 120 * time.Second
)

const linkedinUploadMechanism = "com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest"

// LinkedIn publishes through the assets API: register an upload, PUT the
// bytes, poll the asset until LinkedIn has processed it, then create the
// ugcPost referencing the asset URN.
type LinkedIn struct{}

func (li *LinkedIn) ownerURN(account *models.Account) string {
	id := account.PlatformUserID
	if strings.HasPrefix(id, "urn:") {
		return id
	}
	if account.AccountType == models.AccountTypeOrganization {
		return "urn:li:organization:" + id
	}
	return "urn:li:person:" + id
}

func (li *LinkedIn) Publish(ctx context.Context, account *models.Account, videoURL, caption string, settings map[string]any, logger *joblog.Logger) (map[string]any, error) {
	owner := li.ownerURN(account)

	assetURN, uploadURL, err := li.registerUpload(ctx, account.AccessToken, owner, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Downloading video for LinkedIn upload")
	path, size, cleanup, err := downloadToFile(ctx, videoURL)
	if err != nil {
		logger.Error("Video download failed: %v", err)
		return nil, stepErr(models.PlatformLinkedIn, "download", "blob_download_failed", err)
	}
	defer cleanup()

	if err := li.uploadBlob(ctx, uploadURL, account.AccessToken, path, size, logger); err != nil {
		return nil, err
	}
	if err := li.awaitAsset(ctx, account.AccessToken, assetURN, logger); err != nil {
		return nil, err
	}
	postID, err := li.createPost(ctx, account.AccessToken, owner, assetURN, caption, logger)
	if err != nil {
		return nil, err
	}
	return map[string]any{"post_id": postID, "asset": assetURN}, nil
}

func (li *LinkedIn) registerUpload(ctx context.Context, token, owner string, logger *joblog.Logger) (assetURN, uploadURL string, err error) {
	if err := waitPlatform(ctx, models.PlatformLinkedIn); err != nil {
		return "", "", stepErr(models.PlatformLinkedIn, "register", "cancelled", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"registerUploadRequest": map[string]any{
			"recipes": []string{"urn:li:digitalmediaRecipe:feedshare-video"},
			"owner":   owner,
			"serviceRelationships": []map[string]any{{
				"relationshipType": "OWNER",
				"identifier":       "urn:li:userGeneratedContent",
			}},
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		LinkedInAPIBase+"/assets?action=registerUpload", bytes.NewReader(payload))
	if err != nil {
		return "", "", stepErr(models.PlatformLinkedIn, "register", "request_build_failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	client := &http.Client{Timeout: 30 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("registerUpload failed: %v", err)
		return "", "", stepErr(models.PlatformLinkedIn, "register", "request_failed", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("registerUpload returned %d: %s", res.StatusCode, truncate(string(b), 300))
		return "", "", stepErr(models.PlatformLinkedIn, "register",
			fmt.Sprintf("register_non_2xx status=%d", res.StatusCode), nil)
	}
	var out struct {
		Value struct {
			Asset           string `json:"asset"`
			UploadMechanism map[string]struct {
				UploadURL string `json:"uploadUrl"`
			} `json:"uploadMechanism"`
		} `json:"value"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", "", stepErr(models.PlatformLinkedIn, "register", "bad_response", err)
	}
	uploadURL = out.Value.UploadMechanism[linkedinUploadMechanism].UploadURL
	if out.Value.Asset == "" || uploadURL == "" {
		return "", "", stepErr(models.PlatformLinkedIn, "register", "missing_asset_or_upload_url", nil)
	}
	logger.Info("Registered upload, asset %s", out.Value.Asset)
	return out.Value.Asset, uploadURL, nil
}

func (li *LinkedIn) uploadBlob(ctx context.Context, uploadURL, token, path string, size int64, logger *joblog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return stepErr(models.PlatformLinkedIn, "upload", "scratch_open_failed", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return stepErr(models.PlatformLinkedIn, "upload", "request_build_failed", err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")

	client := &http.Client{Timeout: 5 * time.Minute}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("Asset upload failed: %v", err)
		return stepErr(models.PlatformLinkedIn, "upload", "request_failed", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("Asset upload returned %d", res.StatusCode)
		return stepErr(models.PlatformLinkedIn, "upload",
			fmt.Sprintf("upload_non_2xx status=%d", res.StatusCode), nil)
	}
	logger.Info("Uploaded %d bytes to asset store", size)
	return nil
}

// awaitAsset polls the asset until LinkedIn reports it AVAILABLE or ALLOWED.
func (li *LinkedIn) awaitAsset(ctx context.Context, token, assetURN string, logger *joblog.Logger) error {
	parts := strings.Split(assetURN, ":")
	assetID := parts[len(parts)-1]
	deadline := time.Now().Add(linkedinPollBudget)
	client := &http.Client{Timeout: 15 * time.Second}

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, LinkedInAPIBase+"/assets/"+assetID, nil)
		if err != nil {
			return stepErr(models.PlatformLinkedIn, "poll", "request_build_failed", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		res, err := client.Do(req)
		if err != nil {
			logger.Warn("Asset status check failed: %v", err)
		} else {
			b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
			res.Body.Close()
			var out struct {
				Status  string `json:"status"`
				Recipes []struct {
					Status string `json:"status"`
				} `json:"recipes"`
			}
			_ = json.Unmarshal(b, &out)
			status := out.Status
			if len(out.Recipes) > 0 && out.Recipes[0].Status != "" {
				status = out.Recipes[0].Status
			}
			logger.Info("Asset %s status: %s", assetID, status)
			switch status {
			case "AVAILABLE", "ALLOWED":
				return nil
			case "FAILED", "PROCESSING_FAILED":
				return stepErr(models.PlatformLinkedIn, "poll", "asset_processing_failed", nil)
			}
		}

		if time.Now().After(deadline) {
			return stepErr(models.PlatformLinkedIn, "poll", "asset_processing_timeout", nil)
		}
		select {
		case <-ctx.Done():
			return stepErr(models.PlatformLinkedIn, "poll", "cancelled", ctx.Err())
		case <-time.After(linkedinPollInterval):
		}
	}
}

func (li *LinkedIn) createPost(ctx context.Context, token, owner, assetURN, caption string, logger *joblog.Logger) (string, error) {
	if err := waitPlatform(ctx, models.PlatformLinkedIn); err != nil {
		return "", stepErr(models.PlatformLinkedIn, "post", "cancelled", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"author":         owner,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]any{"text": caption},
				"shareMediaCategory": "VIDEO",
				"media": []map[string]any{{
					"status": "READY",
					"media":  assetURN,
				}},
			},
		},
		"visibility": map[string]any{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, LinkedInAPIBase+"/ugcPosts", bytes.NewReader(payload))
	if err != nil {
		return "", stepErr(models.PlatformLinkedIn, "post", "request_build_failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	client := &http.Client{Timeout: 30 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("ugcPost create failed: %v", err)
		return "", stepErr(models.PlatformLinkedIn, "post", "request_failed", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("ugcPost create returned %d: %s", res.StatusCode, truncate(string(b), 300))
		return "", stepErr(models.PlatformLinkedIn, "post",
			fmt.Sprintf("ugc_post_non_2xx status=%d", res.StatusCode), nil)
	}
	var out struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(b, &out)
	if out.ID == "" {
		out.ID = res.Header.Get("X-RestLi-Id")
	}
	if out.ID == "" {
		return "", stepErr(models.PlatformLinkedIn, "post", "missing_post_id", nil)
	}
	logger.Info("LinkedIn post created, id %s", out.ID)
	return out.ID, nil
}

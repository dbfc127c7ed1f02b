package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/toallcreation/backend/internal/joblog"
	"github.com/toallcreation/backend/internal/models"
)

const twitterChunkSize = 5 << 20 // 5 MiB

var (
	TwitterUploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	TwitterTweetURL  = "https://api.twitter.com/2/tweets"

	twitterMaxProcessingWait = 300 * time.Second
)

// Twitter uploads the video via the chunked v1.1 media endpoint (INIT,
// APPEND per chunk, FINALIZE, STATUS polls) and then creates the tweet on
// the v2 endpoint. Every request is OAuth 1.0a signed with the account's
// token pair and the app's consumer pair.
type Twitter struct{}

func (tw *Twitter) creds(account *models.Account) (oauth1Credentials, error) {
	consumerKey := os.Getenv("TWITTER_API_KEY")
	consumerSecret := os.Getenv("TWITTER_API_SECRET")
	if consumerKey == "" || consumerSecret == "" {
		return oauth1Credentials{}, stepErr(models.PlatformTwitter, "auth", "missing_app_credentials", nil)
	}
	if account.AccessToken == "" || account.AccessTokenSecret == "" {
		return oauth1Credentials{}, stepErr(models.PlatformTwitter, "auth", "missing_oauth1_credentials", nil)
	}
	return oauth1Credentials{
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		Token:          account.AccessToken,
		TokenSecret:    account.AccessTokenSecret,
	}, nil
}

func (tw *Twitter) Publish(ctx context.Context, account *models.Account, videoURL, caption string, settings map[string]any, logger *joblog.Logger) (map[string]any, error) {
	creds, err := tw.creds(account)
	if err != nil {
		return nil, err
	}

	logger.Info("Downloading video for Twitter upload")
	data, err := downloadToMemory(ctx, videoURL, maxInMemoryBlob)
	if err != nil {
		logger.Error("Video download failed: %v", err)
		return nil, stepErr(models.PlatformTwitter, "download", "blob_download_failed", err)
	}

	mediaID, err := tw.initUpload(ctx, creds, int64(len(data)), logger)
	if err != nil {
		return nil, err
	}
	if err := tw.appendChunks(ctx, creds, mediaID, data, logger); err != nil {
		return nil, err
	}
	if err := tw.finalize(ctx, creds, mediaID, logger); err != nil {
		return nil, err
	}

	tweetID, err := tw.createTweet(ctx, creds, mediaID, caption, logger)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tweet_id": tweetID, "media_id": mediaID}, nil
}

func (tw *Twitter) initUpload(ctx context.Context, creds oauth1Credentials, totalBytes int64, logger *joblog.Logger) (string, error) {
	if err := waitPlatform(ctx, models.PlatformTwitter); err != nil {
		return "", stepErr(models.PlatformTwitter, "init", "cancelled", err)
	}
	q := url.Values{}
	q.Set("command", "INIT")
	q.Set("media_category", "tweet_video")
	q.Set("total_bytes", strconv.FormatInt(totalBytes, 10))
	q.Set("media_type", "video/mp4")

	body, status, err := tw.doUpload(ctx, creds, q, nil, "", 30*time.Second)
	if err != nil {
		logger.Error("Media INIT failed: %v", err)
		return "", stepErr(models.PlatformTwitter, "init", "request_failed", err)
	}
	if status < 200 || status >= 300 {
		logger.Error("Media INIT returned %d: %s", status, truncate(string(body), 300))
		return "", stepErr(models.PlatformTwitter, "init", fmt.Sprintf("init_non_2xx status=%d", status), nil)
	}
	var out struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.MediaIDString == "" {
		return "", stepErr(models.PlatformTwitter, "init", "missing_media_id", err)
	}
	logger.Info("Media upload initialized, media id %s", out.MediaIDString)
	return out.MediaIDString, nil
}

func (tw *Twitter) appendChunks(ctx context.Context, creds oauth1Credentials, mediaID string, data []byte, logger *joblog.Logger) error {
	total := (len(data) + twitterChunkSize - 1) / twitterChunkSize
	for segment := 0; segment < total; segment++ {
		start := segment * twitterChunkSize
		end := start + twitterChunkSize
		if end > len(data) {
			end = len(data)
		}

		q := url.Values{}
		q.Set("command", "APPEND")
		q.Set("media_id", mediaID)
		q.Set("segment_index", strconv.Itoa(segment))

		body, status, err := tw.doUpload(ctx, creds, q, data[start:end], "media", 2*time.Minute)
		if err != nil {
			logger.Error("APPEND segment %d/%d failed: %v", segment, total-1, err)
			return stepErr(models.PlatformTwitter, "append", fmt.Sprintf("append_%d_failed", segment), err)
		}
		if status < 200 || status >= 300 {
			logger.Error("APPEND segment %d returned %d: %s", segment, status, truncate(string(body), 300))
			return stepErr(models.PlatformTwitter, "append",
				fmt.Sprintf("append_%d_non_2xx status=%d", segment, status), nil)
		}
		logger.Info("Uploaded segment %d/%d (%d bytes)", segment+1, total, end-start)
	}
	return nil
}

func (tw *Twitter) finalize(ctx context.Context, creds oauth1Credentials, mediaID string, logger *joblog.Logger) error {
	q := url.Values{}
	q.Set("command", "FINALIZE")
	q.Set("media_id", mediaID)

	body, status, err := tw.doUpload(ctx, creds, q, nil, "", 30*time.Second)
	if err != nil {
		logger.Error("FINALIZE failed: %v", err)
		return stepErr(models.PlatformTwitter, "finalize", "request_failed", err)
	}
	if status < 200 || status >= 300 {
		logger.Error("FINALIZE returned %d: %s", status, truncate(string(body), 300))
		return stepErr(models.PlatformTwitter, "finalize", fmt.Sprintf("finalize_non_2xx status=%d", status), nil)
	}
	var out struct {
		ProcessingInfo *struct {
			State          string `json:"state"`
			CheckAfterSecs int    `json:"check_after_secs"`
		} `json:"processing_info"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return stepErr(models.PlatformTwitter, "finalize", "bad_response", err)
	}
	if out.ProcessingInfo == nil {
		return nil
	}
	return tw.awaitProcessing(ctx, creds, mediaID, out.ProcessingInfo.State, out.ProcessingInfo.CheckAfterSecs, logger)
}

// awaitProcessing polls STATUS until the media leaves pending/in_progress,
// honoring the server-suggested check_after_secs, bounded overall.
func (tw *Twitter) awaitProcessing(ctx context.Context, creds oauth1Credentials, mediaID, state string, checkAfter int, logger *joblog.Logger) error {
	deadline := time.Now().Add(twitterMaxProcessingWait)
	for state == "pending" || state == "in_progress" {
		if time.Now().After(deadline) {
			return stepErr(models.PlatformTwitter, "status", "processing_timeout", nil)
		}
		if checkAfter <= 0 {
			checkAfter = 1
		}
		logger.Info("Media processing %s, next check in %ds", state, checkAfter)
		select {
		case <-ctx.Done():
			return stepErr(models.PlatformTwitter, "status", "cancelled", ctx.Err())
		case <-time.After(time.Duration(checkAfter) * time.Second):
		}

		q := url.Values{}
		q.Set("command", "STATUS")
		q.Set("media_id", mediaID)
		body, status, err := tw.doStatus(ctx, creds, q)
		if err != nil {
			return stepErr(models.PlatformTwitter, "status", "request_failed", err)
		}
		if status < 200 || status >= 300 {
			return stepErr(models.PlatformTwitter, "status", fmt.Sprintf("status_non_2xx status=%d", status), nil)
		}
		var out struct {
			ProcessingInfo *struct {
				State          string `json:"state"`
				CheckAfterSecs int    `json:"check_after_secs"`
				Error          *struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"processing_info"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return stepErr(models.PlatformTwitter, "status", "bad_response", err)
		}
		if out.ProcessingInfo == nil {
			return nil
		}
		state = out.ProcessingInfo.State
		checkAfter = out.ProcessingInfo.CheckAfterSecs
		if state == "failed" {
			msg := "media_processing_failed"
			if out.ProcessingInfo.Error != nil {
				msg = out.ProcessingInfo.Error.Message
			}
			logger.Error("Media processing failed: %s", msg)
			return stepErr(models.PlatformTwitter, "status", msg, nil)
		}
	}
	logger.Info("Media processing finished, state %s", state)
	return nil
}

func (tw *Twitter) createTweet(ctx context.Context, creds oauth1Credentials, mediaID, caption string, logger *joblog.Logger) (string, error) {
	if err := waitPlatform(ctx, models.PlatformTwitter); err != nil {
		return "", stepErr(models.PlatformTwitter, "tweet", "cancelled", err)
	}
	text := caption
	if len([]rune(text)) > 280 {
		text = truncate(text, 277)
	}
	payload, _ := json.Marshal(map[string]any{
		"text":  text,
		"media": map[string]any{"media_ids": []string{mediaID}},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TwitterTweetURL, bytes.NewReader(payload))
	if err != nil {
		return "", stepErr(models.PlatformTwitter, "tweet", "request_build_failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	creds.Authorize(req)

	client := &http.Client{Timeout: 30 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		logger.Error("Tweet create failed: %v", err)
		return "", stepErr(models.PlatformTwitter, "tweet", "request_failed", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Error("Tweet create returned %d: %s", res.StatusCode, truncate(string(b), 300))
		return "", stepErr(models.PlatformTwitter, "tweet", fmt.Sprintf("tweets_non_2xx status=%d", res.StatusCode), nil)
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.Data.ID == "" {
		return "", stepErr(models.PlatformTwitter, "tweet", "missing_tweet_id", err)
	}
	logger.Info("Tweet created, id %s", out.Data.ID)
	return out.Data.ID, nil
}

// doUpload issues a signed POST to the media upload endpoint. Command
// parameters travel in the query string; chunk bytes, when present, go in a
// multipart body that is excluded from the signature.
func (tw *Twitter) doUpload(ctx context.Context, creds oauth1Credentials, q url.Values, chunk []byte, fieldName string, timeout time.Duration) ([]byte, int, error) {
	var body io.Reader
	contentType := ""
	if chunk != nil {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile(fieldName, "media")
		if err != nil {
			return nil, 0, err
		}
		if _, err := part.Write(chunk); err != nil {
			return nil, 0, err
		}
		if err := mw.Close(); err != nil {
			return nil, 0, err
		}
		body = &buf
		contentType = mw.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TwitterUploadURL+"?"+q.Encode(), body)
	if err != nil {
		return nil, 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	creds.Authorize(req)

	client := &http.Client{Timeout: timeout}
	res, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return b, res.StatusCode, nil
}

func (tw *Twitter) doStatus(ctx context.Context, creds oauth1Credentials, q url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, TwitterUploadURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	creds.Authorize(req)

	client := &http.Client{Timeout: 30 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	return b, res.StatusCode, nil
}

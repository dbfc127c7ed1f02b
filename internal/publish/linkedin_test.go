package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/toallcreation/backend/internal/models"
)

func liAccount() *models.Account {
	return &models.Account{
		Platform:       models.PlatformLinkedIn,
		PlatformUserID: "person1",
		AccountType:    models.AccountTypeUser,
		AccessToken:    "li_tok",
	}
}

func shortenLinkedInPolls(t *testing.T) {
	t.Helper()
	origInterval, origBudget := linkedinPollInterval, linkedinPollBudget
	linkedinPollInterval = time.Millisecond
	linkedinPollBudget = 50 * time.Millisecond
	t.Cleanup(func() { linkedinPollInterval, linkedinPollBudget = origInterval, origBudget })
}

const liRegisterBody = `{"value":{"asset":"urn:li:digitalmediaAsset:asset1","uploadMechanism":{"com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest":{"uploadUrl":"https://upload.example/li1"}}}}`

func TestLinkedInPublish_FullFlow(t *testing.T) {
	shortenLinkedInPolls(t)
	video := strings.Repeat("l", 96)
	var registerBody, postBody map[string]any

	swapTransport(t, func(r *http.Request) (*http.Response, error) {
		switch {
		case r.URL.Host == "cdn.example":
			return httpJSON(200, video, nil), nil
		case r.Method == "POST" && r.URL.Path == "/v2/assets":
			if r.URL.Query().Get("action") != "registerUpload" {
				t.Fatalf("register query: %q", r.URL.RawQuery)
			}
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &registerBody)
			return httpJSON(200, liRegisterBody, nil), nil
		case r.Method == "PUT" && r.URL.Host == "upload.example":
			if r.ContentLength != int64(len(video)) {
				t.Fatalf("PUT content length: %d", r.ContentLength)
			}
			return httpJSON(201, ``, nil), nil
		case r.Method == "GET" && strings.HasPrefix(r.URL.Path, "/v2/assets/asset1"):
			return httpJSON(200, `{"recipes":[{"status":"AVAILABLE"}]}`, nil), nil
		case r.Method == "POST" && r.URL.Path == "/v2/ugcPosts":
			if got := r.Header.Get("X-Restli-Protocol-Version"); got != "2.0.0" {
				t.Fatalf("restli header: %q", got)
			}
			b, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(b, &postBody)
			return httpJSON(201, `{"id":"urn:li:ugcPost:777"}`, nil), nil
		}
		t.Fatalf("unexpected call %s %s", r.Method, r.URL)
		return nil, nil
	})

	result, err := (&LinkedIn{}).Publish(context.Background(), liAccount(),
		"https://cdn.example/v.mp4", "pro update", nil, testLogger())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result["post_id"] != "urn:li:ugcPost:777" || result["asset"] != "urn:li:digitalmediaAsset:asset1" {
		t.Fatalf("result: %+v", result)
	}

	reg := registerBody["registerUploadRequest"].(map[string]any)
	if reg["owner"] != "urn:li:person:person1" {
		t.Fatalf("owner: %v", reg["owner"])
	}
	recipes := reg["recipes"].([]any)
	if recipes[0] != "urn:li:digitalmediaRecipe:feedshare-video" {
		t.Fatalf("recipes: %v", recipes)
	}

	if postBody["lifecycleState"] != "PUBLISHED" || postBody["author"] != "urn:li:person:person1" {
		t.Fatalf("post body: %+v", postBody)
	}
	share := postBody["specificContent"].(map[string]any)["com.linkedin.ugc.ShareContent"].(map[string]any)
	if share["shareMediaCategory"] != "VIDEO" {
		t.Fatalf("share: %+v", share)
	}
}

func TestLinkedInPublish_OrganizationOwner(t *testing.T) {
	a := &models.Account{PlatformUserID: "org9", AccountType: models.AccountTypeOrganization}
	if got := (&LinkedIn{}).ownerURN(a); got != "urn:li:organization:org9" {
		t.Fatalf("owner: %q", got)
	}
	a = &models.Account{PlatformUserID: "urn:li:organization:already"}
	if got := (&LinkedIn{}).ownerURN(a); got != "urn:li:organization:already" {
		t.Fatalf("owner passthrough: %q", got)
	}
}

func TestLinkedInPublish_ProcessingFailedFails(t *testing.T) {
	shortenLinkedInPolls(t)
	swapTransport(t, func(r *http.Request) (*http.Response, error) {
		switch {
		case r.URL.Host == "cdn.example":
			return httpJSON(200, "vvvv", nil), nil
		case r.Method == "POST" && r.URL.Path == "/v2/assets":
			return httpJSON(200, liRegisterBody, nil), nil
		case r.Method == "PUT":
			return httpJSON(201, ``, nil), nil
		case r.Method == "GET":
			return httpJSON(200, `{"recipes":[{"status":"PROCESSING_FAILED"}]}`, nil), nil
		}
		return nil, nil
	})

	_, err := (&LinkedIn{}).Publish(context.Background(), liAccount(),
		"https://cdn.example/v.mp4", "c", nil, testLogger())
	var pe *Error
	if !errors.As(err, &pe) || pe.Step != "poll" || pe.Message != "asset_processing_failed" {
		t.Fatalf("want asset_processing_failed, got %v", err)
	}
}

func TestLinkedInPublish_PollTimeout(t *testing.T) {
	shortenLinkedInPolls(t)
	swapTransport(t, func(r *http.Request) (*http.Response, error) {
		switch {
		case r.URL.Host == "cdn.example":
			return httpJSON(200, "vvvv", nil), nil
		case r.Method == "POST" && r.URL.Path == "/v2/assets":
			return httpJSON(200, liRegisterBody, nil), nil
		case r.Method == "PUT":
			return httpJSON(201, ``, nil), nil
		case r.Method == "GET":
			return httpJSON(200, `{"recipes":[{"status":"PROCESSING"}]}`, nil), nil
		}
		return nil, nil
	})

	_, err := (&LinkedIn{}).Publish(context.Background(), liAccount(),
		"https://cdn.example/v.mp4", "c", nil, testLogger())
	var pe *Error
	if !errors.As(err, &pe) || pe.Message != "asset_processing_timeout" {
		t.Fatalf("want timeout, got %v", err)
	}
}

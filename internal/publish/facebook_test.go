package publish

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/toallcreation/backend/internal/models"
)

func TestFacebookPublish_Success(t *testing.T) {
	var gotForm url.Values
	swapTransport(t, func(r *http.Request) (*http.Response, error) {
		if r.Method != "POST" || !strings.HasSuffix(r.URL.Path, "/page1/videos") {
			t.Fatalf("unexpected call %s %s", r.Method, r.URL)
		}
		b, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(b))
		return httpJSON(200, `{"id":"fb_post_1"}`, nil), nil
	})

	account := &models.Account{
		Platform:       models.PlatformFacebook,
		PlatformUserID: "page1",
		PageID:         "page1",
		AccessToken:    "page_tok",
	}
	result, err := (&Facebook{}).Publish(context.Background(), account,
		"https://cdn.example/v.mp4", "hello world", nil, testLogger())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result["post_id"] != "fb_post_1" {
		t.Fatalf("result: %+v", result)
	}
	if gotForm.Get("file_url") != "https://cdn.example/v.mp4" {
		t.Fatalf("file_url: %q", gotForm.Get("file_url"))
	}
	if gotForm.Get("description") != "hello world" {
		t.Fatalf("description: %q", gotForm.Get("description"))
	}
	if gotForm.Get("access_token") != "page_tok" {
		t.Fatalf("access_token missing")
	}
}

func TestFacebookPublish_Non2xxFails(t *testing.T) {
	swapTransport(t, func(r *http.Request) (*http.Response, error) {
		return httpJSON(400, `{"error":{"message":"bad token"}}`, nil), nil
	})

	account := &models.Account{Platform: models.PlatformFacebook, PlatformUserID: "page1", AccessToken: "t"}
	_, err := (&Facebook{}).Publish(context.Background(), account, "https://cdn.example/v.mp4", "c", nil, testLogger())
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("want *Error, got %v", err)
	}
	if pe.Platform != models.PlatformFacebook || pe.Step != "publish" {
		t.Fatalf("error context: %+v", pe)
	}
	if !strings.Contains(pe.Message, "videos_non_2xx") {
		t.Fatalf("message: %q", pe.Message)
	}
}

package publish

import (
	"net/http"
	"strings"
	"testing"
)

// Reference vector: the request, credentials, nonce and timestamp from the
// OAuth 1.0a signing walkthrough published for the Twitter API. The expected
// signature was recomputed independently over these exact inputs per RFC 5849
// (HMAC-SHA1 of the canonical base string): hCtSmYh+iHYCEqBWrE7C7hYmtUk=.
func TestOAuth1Authorize_ReferenceSignature(t *testing.T) {
	origNonce, origTS := oauth1Nonce, oauth1Timestamp
	oauth1Nonce = func() string { return "kYjzVBB8Y0ZFabxSWbWovY3uYSQ2pTgmZeNu2VS4cg" }
	oauth1Timestamp = func() string { return "1318622958" }
	t.Cleanup(func() { oauth1Nonce, oauth1Timestamp = origNonce, origTS })

	creds := oauth1Credentials{
		ConsumerKey:    "xvz1evFS4wEEPTGEFPHBog",
		ConsumerSecret: "kAcSOqF21Fu85e7zjz7ZN2U4ZRhfV3WpwPAoE3Z7kBw",
		Token:          "370773112-GmHxMAgYyLbNEtIKZeRNFsMKPR9EyMZeS9weJAEb",
		TokenSecret:    "LswwdoUaIvS8ltyTt5jkRh4J50vUPVVHtR2YPi5kE",
	}

	req, err := http.NewRequest("POST",
		"https://api.twitter.com/1.1/statuses/update.json?include_entities=true&status=Hello%20Ladies%20%2B%20Gentlemen%2C%20a%20signed%20OAuth%20request%21",
		nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	creds.Authorize(req)

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "OAuth ") {
		t.Fatalf("header: %q", auth)
	}
	if !strings.Contains(auth, `oauth_signature="hCtSmYh%2BiHYCEqBWrE7C7hYmtUk%3D"`) {
		t.Fatalf("signature mismatch in header: %q", auth)
	}
	for _, part := range []string{
		`oauth_consumer_key="xvz1evFS4wEEPTGEFPHBog"`,
		`oauth_signature_method="HMAC-SHA1"`,
		`oauth_timestamp="1318622958"`,
		`oauth_version="1.0"`,
	} {
		if !strings.Contains(auth, part) {
			t.Errorf("missing %s in %q", part, auth)
		}
	}
}

func TestOAuth1Authorize_Deterministic(t *testing.T) {
	origNonce, origTS := oauth1Nonce, oauth1Timestamp
	oauth1Nonce = func() string { return "fixednonce" }
	oauth1Timestamp = func() string { return "1700000000" }
	t.Cleanup(func() { oauth1Nonce, oauth1Timestamp = origNonce, origTS })

	creds := oauth1Credentials{ConsumerKey: "ck", ConsumerSecret: "cs", Token: "t", TokenSecret: "ts"}
	a, _ := http.NewRequest("POST", "https://upload.twitter.com/1.1/media/upload.json?command=INIT&total_bytes=10", nil)
	b, _ := http.NewRequest("POST", "https://upload.twitter.com/1.1/media/upload.json?command=INIT&total_bytes=10", nil)
	creds.Authorize(a)
	creds.Authorize(b)
	if a.Header.Get("Authorization") != b.Header.Get("Authorization") {
		t.Fatalf("same request signed differently")
	}
}

func TestRFC3986Escape(t *testing.T) {
	cases := map[string]string{
		"Hello Ladies + Gentlemen, a signed OAuth request!": "Hello%20Ladies%20%2B%20Gentlemen%2C%20a%20signed%20OAuth%20request%21",
		"abc~-_.": "abc~-_.",
	}
	for in, want := range cases {
		if got := rfc3986Escape(in); got != want {
			t.Errorf("escape(%q): got %q want %q", in, got, want)
		}
	}
}

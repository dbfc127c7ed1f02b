package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-jwt-secret")

func signToken(t *testing.T, claims jwt.MapClaims, secret []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestUserID_ValidToken(t *testing.T) {
	v := NewVerifierWithSecret(testSecret)
	tok := signToken(t, jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(time.Hour).Unix()}, testSecret)

	userID, err := v.UserID("Bearer " + tok)
	if err != nil {
		t.Fatalf("UserID: %v", err)
	}
	if userID != "user-42" {
		t.Fatalf("userID: %q", userID)
	}
}

func TestUserID_Rejections(t *testing.T) {
	v := NewVerifierWithSecret(testSecret)
	good := signToken(t, jwt.MapClaims{"sub": "user-42"}, testSecret)

	cases := map[string]string{
		"empty header":  "",
		"no scheme":     good,
		"wrong scheme":  "Basic " + good,
		"wrong secret":  "Bearer " + signToken(t, jwt.MapClaims{"sub": "u"}, []byte("other")),
		"expired":       "Bearer " + signToken(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}, testSecret),
		"empty subject": "Bearer " + signToken(t, jwt.MapClaims{"sub": ""}, testSecret),
	}
	for name, header := range cases {
		if _, err := v.UserID(header); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestMiddleware_InjectsUserID(t *testing.T) {
	v := NewVerifierWithSecret(testSecret)
	tok := signToken(t, jwt.MapClaims{"sub": "user-42"}, testSecret)

	var got string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = UserIDFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/api/social/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || got != "user-42" {
		t.Fatalf("status=%d userID=%q", rec.Code, got)
	}
}

func TestMiddleware_Unauthenticated(t *testing.T) {
	v := NewVerifierWithSecret(testSecret)
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))

	req := httptest.NewRequest("GET", "/api/social/accounts", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}
}

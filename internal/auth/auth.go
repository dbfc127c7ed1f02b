// Package auth verifies bearer tokens and threads the caller's user id
// through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

type contextKey string

const userIDKey contextKey = "auth.userID"

var (
	jwtSecretOnce sync.Once
	jwtSecret     []byte
)

func getJWTSecret() []byte {
	jwtSecretOnce.Do(func() {
		sec := strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET"))
		if sec == "" {
			sec = "dev-insecure-jwt-secret"
			log.Printf("[Auth] WARNING: AUTH_JWT_SECRET is not set; using a dev default (do not use in production)")
		}
		jwtSecret = []byte(sec)
	})
	return jwtSecret
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier() *Verifier {
	return &Verifier{secret: getJWTSecret()}
}

func NewVerifierWithSecret(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// UserID extracts and validates the token from an Authorization header value
// and returns the subject claim.
func (v *Verifier) UserID(authHeader string) (string, error) {
	raw := strings.TrimSpace(authHeader)
	if raw == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("%w: malformed authorization header", ErrUnauthorized)
	}
	token, err := jwt.Parse(parts[1], func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return sub, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the user
// id in the request context for handlers downstream.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := v.UserID(r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// WithUserID stores the authenticated user id on the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFrom reads the authenticated user id off the context.
func UserIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok && v != ""
}

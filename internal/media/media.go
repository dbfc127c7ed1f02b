// Package media hands out signed, time-limited upload URLs and stores the
// uploaded blobs under the media root.
package media

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UploadTTL bounds how long a signed upload URL stays usable.
const UploadTTL = 15 * time.Minute

var (
	ErrBadSignature = errors.New("bad or expired media signature")
	ErrBadKey       = errors.New("invalid media key")
)

var reSafeKey = regexp.MustCompile(`^uploads/[a-zA-Z0-9_-]+/[a-zA-Z0-9._-]+$`)

// ValidKey reports whether key has the object-key shape the signer mints.
func ValidKey(key string) bool {
	return reSafeKey.MatchString(key)
}

var (
	hmacSecretOnce sync.Once
	hmacSecret     []byte
)

func getHMACSecret() []byte {
	hmacSecretOnce.Do(func() {
		sec := strings.TrimSpace(os.Getenv("MEDIA_URL_HMAC_SECRET"))
		if sec == "" {
			sec = "dev-insecure-media-secret"
			log.Printf("[Media] WARNING: MEDIA_URL_HMAC_SECRET is not set; using a dev default (do not use in production)")
		}
		hmacSecret = []byte(sec)
	})
	return hmacSecret
}

func hmacSHA256Hex(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Bucket returns the logical upload bucket name, honoring VIDEO_UPLOAD_BUCKET.
func Bucket() string {
	if v := os.Getenv("VIDEO_UPLOAD_BUCKET"); v != "" {
		return v
	}
	return "video-uploads"
}

// Root returns the on-disk media root, honoring MEDIA_ROOT.
func Root() string {
	if v := os.Getenv("MEDIA_ROOT"); v != "" {
		return v
	}
	return "media"
}

// UploadTarget is the response to an upload-url request. Key doubles as the
// object key a client echoes back as the video_url path.
type UploadTarget struct {
	UploadURL string `json:"upload_url"`
	Key       string `json:"s3_key"`
	Bucket    string `json:"bucket"`
	ExpiresAt int64  `json:"expires_at"`
}

// Signer mints and verifies signed upload URLs.
type Signer struct {
	secret []byte
	now    func() time.Time
	newID  func() string
}

func NewSigner() *Signer {
	return &Signer{secret: getHMACSecret(), now: time.Now, newID: uuid.NewString}
}

// SignUpload allocates a fresh object key for the user's file and returns a
// PUT URL that stays valid for UploadTTL.
func (s *Signer) SignUpload(userID, filename, contentType string) (*UploadTarget, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("sign upload: missing user")
	}
	key := fmt.Sprintf("uploads/%s/%s%s", safeSegment(userID), s.newID(), extFor(filename, contentType))
	if !reSafeKey.MatchString(key) {
		return nil, ErrBadKey
	}
	expires := s.now().Add(UploadTTL).Unix()
	sig := hmacSHA256Hex(s.secret, fmt.Sprintf("put:%s:%d", key, expires))
	return &UploadTarget{
		UploadURL: fmt.Sprintf("/api/social/media/%s?expires=%d&signature=%s", key, expires, sig),
		Key:       key,
		Bucket:    Bucket(),
		ExpiresAt: expires,
	}, nil
}

// VerifyUpload checks a PUT's key, expiry and signature.
func (s *Signer) VerifyUpload(key string, expires int64, signature string) error {
	if !reSafeKey.MatchString(key) {
		return ErrBadKey
	}
	if expires < s.now().Unix() {
		return ErrBadSignature
	}
	want := hmacSHA256Hex(s.secret, fmt.Sprintf("put:%s:%d", key, expires))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

var reSafeSegment = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func safeSegment(s string) string {
	return reSafeSegment.ReplaceAllString(s, "_")
}

func extFor(filename, contentType string) string {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext != "" && len(ext) <= 16 {
		return ext
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if semi := strings.Index(ct, ";"); semi >= 0 {
		ct = strings.TrimSpace(ct[:semi])
	}
	if ct != "" {
		if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
			if e := strings.ToLower(strings.TrimSpace(exts[0])); e != "" && len(e) <= 16 {
				return e
			}
		}
	}
	return ".mp4"
}

// Store writes and reads media blobs under the media root. Keys are already
// validated by the signer before they reach the store.
type Store struct {
	root string
}

func NewStore() *Store {
	return &Store{root: Root()}
}

func NewStoreAt(root string) *Store {
	return &Store{root: root}
}

// Save streams a blob to disk and returns how many bytes landed.
func (s *Store) Save(key string, r io.Reader) (int64, error) {
	if !reSafeKey.MatchString(key) {
		return 0, ErrBadKey
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("save media: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("save media: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("save media: %w", err)
	}
	return n, nil
}

// Path resolves a key to its on-disk location for public reads.
func (s *Store) Path(key string) (string, error) {
	if !reSafeKey.MatchString(key) {
		return "", ErrBadKey
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

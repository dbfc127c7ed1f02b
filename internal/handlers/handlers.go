// Package handlers exposes the publishing pipeline over HTTP.
package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/toallcreation/backend/internal/auth"
	"github.com/toallcreation/backend/internal/media"
	"github.com/toallcreation/backend/internal/models"
	"github.com/toallcreation/backend/internal/queue"
	"github.com/toallcreation/backend/internal/requests"
	"github.com/toallcreation/backend/internal/scheduled"
)

// IntakeService accepts a publish request and fans it out.
type IntakeService interface {
	Submit(ctx context.Context, userID, videoURL, caption string, destinations []string, settings map[string]any) (*requests.SubmitResult, error)
}

// RequestReader is the query surface over upload requests.
type RequestReader interface {
	Get(ctx context.Context, userID, requestID string) (*models.UploadRequest, error)
	ListByUser(ctx context.Context, userID string, limit int, cursor string) ([]models.UploadRequest, string, error)
	Logs(ctx context.Context, userID, requestID, destination string) (map[string][]models.LogEntry, error)
	Resubmit(ctx context.Context, userID, requestID, destination string, enq queue.Enqueuer) error
}

// AccountLister is the account registry slice the API exposes.
type AccountLister interface {
	List(ctx context.Context, userID, platform string) ([]models.SafeAccount, error)
	Delete(ctx context.Context, userID, accountID string) error
}

// ScheduleStore is the scheduled-post CRUD surface.
type ScheduleStore interface {
	Create(ctx context.Context, p *models.ScheduledPost) error
	Get(ctx context.Context, userID, postID string) (*models.ScheduledPost, error)
	List(ctx context.Context, userID, status string) ([]models.ScheduledPost, error)
	Update(ctx context.Context, userID, postID string, scheduledTime int64, caption string, destinations []string, timezone string) error
	Cancel(ctx context.Context, userID, postID string) error
}

type Handler struct {
	intake     IntakeService
	requests   RequestReader
	accounts   AccountLister
	scheduled  ScheduleStore
	enqueuer   queue.Enqueuer
	signer     *media.Signer
	mediaStore *media.Store
	newID      func() string
}

func New(intake IntakeService, reqs RequestReader, accts AccountLister, sched ScheduleStore, enq queue.Enqueuer) *Handler {
	return &Handler{
		intake:     intake,
		requests:   reqs,
		accounts:   accts,
		scheduled:  sched,
		enqueuer:   enq,
		signer:     media.NewSigner(),
		mediaStore: media.NewStore(),
		newID:      uuid.NewString,
	}
}

// Router wires every route. Everything under /api/social except the signed
// media endpoints requires a bearer token.
func (h *Handler) Router(verifier *auth.Verifier) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/api/social/media/{key:uploads/.+}", h.PutMedia).Methods("PUT")
	r.HandleFunc("/api/social/media/{key:uploads/.+}", h.GetMedia).Methods("GET")

	api := r.PathPrefix("/api/social").Subrouter()
	api.Use(verifier.Middleware)
	api.HandleFunc("/upload-url", h.CreateUploadURL).Methods("POST")
	api.HandleFunc("/post", h.SubmitPost).Methods("POST")
	api.HandleFunc("/uploads", h.ListUploads).Methods("GET")
	api.HandleFunc("/uploads/{id}", h.GetUpload).Methods("GET")
	api.HandleFunc("/uploads/{id}/logs", h.GetUploadLogs).Methods("GET")
	api.HandleFunc("/uploads/{id}/resubmit", h.ResubmitUpload).Methods("POST")
	api.HandleFunc("/accounts", h.ListAccounts).Methods("GET")
	api.HandleFunc("/accounts/{id}", h.DeleteAccount).Methods("DELETE")
	api.HandleFunc("/scheduled-posts", h.CreateScheduledPost).Methods("POST")
	api.HandleFunc("/scheduled-posts", h.ListScheduledPosts).Methods("GET")
	api.HandleFunc("/scheduled-posts/{id}", h.GetScheduledPost).Methods("GET")
	api.HandleFunc("/scheduled-posts/{id}", h.UpdateScheduledPost).Methods("PUT")
	api.HandleFunc("/scheduled-posts/{id}", h.CancelScheduledPost).Methods("DELETE")
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func userID(r *http.Request) string {
	id, _ := auth.UserIDFrom(r.Context())
	return id
}

type uploadURLRequest struct {
	FileName    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (h *Handler) CreateUploadURL(w http.ResponseWriter, r *http.Request) {
	var req uploadURLRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target, err := h.signer.SignUpload(userID(r), req.FileName, req.ContentType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create upload url")
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// PutMedia accepts a blob on a signed URL. Auth is the signature itself, so
// this route sits outside the bearer middleware.
func (h *Handler) PutMedia(w http.ResponseWriter, r *http.Request) {
	key := pathVar(r, "key")
	q := r.URL.Query()
	expires, _ := parseInt64(q.Get("expires"))
	if err := h.signer.VerifyUpload(key, expires, q.Get("signature")); err != nil {
		writeError(w, http.StatusForbidden, "invalid or expired upload url")
		return
	}
	n, err := h.mediaStore.Save(key, r.Body)
	if err != nil {
		log.Printf("[Media] save_failed key=%s err=%v", key, err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	log.Printf("[Media] saved key=%s bytes=%d", key, n)
	writeJSON(w, http.StatusOK, map[string]any{"s3_key": key, "bytes": n})
}

// GetMedia serves stored blobs for public read. Adapters fetch the video
// through this route when the client submits a media key as the video URL.
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	path, err := h.mediaStore.Path(pathVar(r, "key"))
	if err != nil {
		writeError(w, http.StatusNotFound, "media not found")
		return
	}
	http.ServeFile(w, r, path)
}

type submitPostRequest struct {
	S3Key            string         `json:"s3_key"`
	VideoURL         string         `json:"video_url"`
	Caption          string         `json:"caption"`
	AccountIDs       []string       `json:"account_ids"`
	Destinations     []string       `json:"destinations"`
	PlatformSettings map[string]any `json:"platform_settings"`
}

// mediaURLBase is the public prefix under which uploaded blobs are served.
// API_BASE_URL points at this server from the outside; adapters download the
// video through it when the client submits an s3_key instead of a full URL.
func mediaURLBase() string {
	if v := strings.TrimRight(os.Getenv("API_BASE_URL"), "/"); v != "" {
		return v
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "18911"
	}
	return "http://localhost:" + port
}

func (h *Handler) SubmitPost(w http.ResponseWriter, r *http.Request) {
	var req submitPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	videoURL := strings.TrimSpace(req.VideoURL)
	if videoURL == "" {
		key := strings.TrimSpace(req.S3Key)
		if key == "" {
			writeError(w, http.StatusBadRequest, "s3_key or video_url is required")
			return
		}
		if !media.ValidKey(key) {
			writeError(w, http.StatusBadRequest, "invalid s3_key")
			return
		}
		videoURL = mediaURLBase() + "/api/social/media/" + key
	}
	destinations := req.AccountIDs
	if len(destinations) == 0 {
		destinations = req.Destinations
	}
	if len(destinations) == 0 {
		writeError(w, http.StatusBadRequest, "account_ids is required")
		return
	}
	res, err := h.intake.Submit(r.Context(), userID(r), videoURL, req.Caption, destinations, req.PlatformSettings)
	if err != nil {
		if errors.Is(err, requests.ErrNoDestinations) {
			writeError(w, http.StatusBadRequest, "no valid destinations")
			return
		}
		log.Printf("[API] submit_failed userId=%s err=%v", userID(r), err)
		writeError(w, http.StatusInternalServerError, "could not accept request")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := parseInt64(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = int(n)
	}
	cursor := q.Get("last_evaluated_key")
	if cursor == "" {
		cursor = q.Get("last_key")
	}
	items, next, err := h.requests.ListByUser(r.Context(), userID(r), limit, cursor)
	if err != nil {
		if strings.Contains(err.Error(), "cursor") {
			writeError(w, http.StatusBadRequest, "invalid pagination cursor")
			return
		}
		log.Printf("[API] list_uploads_failed userId=%s err=%v", userID(r), err)
		writeError(w, http.StatusInternalServerError, "could not list uploads")
		return
	}
	resp := map[string]any{"requests": items}
	if next != "" {
		resp["last_evaluated_key"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	req, err := h.requests.Get(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		if errors.Is(err, requests.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load request")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) GetUploadLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.requests.Logs(r.Context(), userID(r), pathVar(r, "id"), r.URL.Query().Get("destination"))
	if err != nil {
		if errors.Is(err, requests.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request or destination not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type resubmitRequest struct {
	Destination string `json:"destination"`
}

func (h *Handler) ResubmitUpload(w http.ResponseWriter, r *http.Request) {
	var req resubmitRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Destination) == "" {
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	}
	err := h.requests.Resubmit(r.Context(), userID(r), pathVar(r, "id"), req.Destination, h.enqueuer)
	if err != nil {
		switch {
		case errors.Is(err, requests.ErrNotFound):
			writeError(w, http.StatusNotFound, "request or destination not found")
		case errors.Is(err, requests.ErrNotFailed):
			writeError(w, http.StatusBadRequest, "destination is not in a failed state")
		default:
			log.Printf("[API] resubmit_failed userId=%s requestId=%s err=%v", userID(r), pathVar(r, "id"), err)
			writeError(w, http.StatusInternalServerError, "could not resubmit")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": pathVar(r, "id"), "destination": req.Destination, "status": models.StatusQueued})
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	out, err := h.accounts.List(r.Context(), userID(r), r.URL.Query().Get("platform"))
	if err != nil {
		log.Printf("[API] list_accounts_failed userId=%s err=%v", userID(r), err)
		writeError(w, http.StatusInternalServerError, "could not list accounts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := pathVar(r, "id")
	if _, _, err := models.SplitDestination(accountID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if err := h.accounts.Delete(r.Context(), userID(r), accountID); err != nil {
		log.Printf("[API] delete_account_failed userId=%s accountId=%s err=%v", userID(r), accountID, err)
		writeError(w, http.StatusInternalServerError, "could not delete account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account_id": accountID, "status": "deleted"})
}

type scheduledPostRequest struct {
	VideoURL         string         `json:"video_url"`
	Caption          string         `json:"caption"`
	Destinations     []string       `json:"destinations"`
	PlatformSettings map[string]any `json:"platform_settings"`
	ScheduledTime    int64          `json:"scheduled_time"`
	Timezone         string         `json:"timezone"`
}

func (h *Handler) CreateScheduledPost(w http.ResponseWriter, r *http.Request) {
	var req scheduledPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.VideoURL) == "" || len(req.Destinations) == 0 {
		writeError(w, http.StatusBadRequest, "video_url and destinations are required")
		return
	}
	if req.ScheduledTime <= time.Now().Unix() {
		writeError(w, http.StatusBadRequest, "scheduled_time must be in the future")
		return
	}
	for _, dest := range req.Destinations {
		if _, _, err := models.SplitDestination(dest); err != nil {
			writeError(w, http.StatusBadRequest, "invalid destination "+dest)
			return
		}
	}
	post := &models.ScheduledPost{
		UserID:           userID(r),
		ScheduledPostID:  h.newID(),
		VideoURL:         req.VideoURL,
		Caption:          req.Caption,
		Destinations:     req.Destinations,
		PlatformSettings: req.PlatformSettings,
		ScheduledTime:    req.ScheduledTime,
		Timezone:         req.Timezone,
		Status:           models.ScheduleStatusScheduled,
	}
	if err := h.scheduled.Create(r.Context(), post); err != nil {
		log.Printf("[API] create_scheduled_failed userId=%s err=%v", userID(r), err)
		writeError(w, http.StatusInternalServerError, "could not schedule post")
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (h *Handler) ListScheduledPosts(w http.ResponseWriter, r *http.Request) {
	out, err := h.scheduled.List(r.Context(), userID(r), r.URL.Query().Get("status"))
	if err != nil {
		log.Printf("[API] list_scheduled_failed userId=%s err=%v", userID(r), err)
		writeError(w, http.StatusInternalServerError, "could not list scheduled posts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) GetScheduledPost(w http.ResponseWriter, r *http.Request) {
	post, err := h.scheduled.Get(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		if errors.Is(err, scheduled.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scheduled post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load scheduled post")
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) UpdateScheduledPost(w http.ResponseWriter, r *http.Request) {
	var req scheduledPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ScheduledTime <= time.Now().Unix() {
		writeError(w, http.StatusBadRequest, "scheduled_time must be in the future")
		return
	}
	err := h.scheduled.Update(r.Context(), userID(r), pathVar(r, "id"), req.ScheduledTime, req.Caption, req.Destinations, req.Timezone)
	if err != nil {
		if errors.Is(err, scheduled.ErrNotScheduled) {
			writeError(w, http.StatusBadRequest, "post is no longer editable")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not update scheduled post")
		return
	}
	post, err := h.scheduled.Get(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"scheduled_post_id": pathVar(r, "id"), "status": models.ScheduleStatusScheduled})
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *Handler) CancelScheduledPost(w http.ResponseWriter, r *http.Request) {
	err := h.scheduled.Cancel(r.Context(), userID(r), pathVar(r, "id"))
	if err != nil {
		if errors.Is(err, scheduled.ErrNotScheduled) {
			writeError(w, http.StatusBadRequest, "post is not cancellable")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not cancel scheduled post")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scheduled_post_id": pathVar(r, "id"), "status": models.ScheduleStatusCancelled})
}

package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notify"
	"github.com/lalithlochan/courier/internal/redis"
)

const maxBodyBytes = 64 << 10

// Notifier accepts validated notifications
type Notifier interface {
	Submit(ctx context.Context, req notify.Request) (*db.Notification, error)
}

// NotificationRepository defines the read side used by the handlers
type NotificationRepository interface {
	GetNotification(ctx context.Context, id int64) (*db.Notification, error)
	ListNotifications(ctx context.Context, limit, offset int) ([]*db.Notification, error)
	ListSendLog(ctx context.Context, notificationID int64) ([]*db.SendLogEntry, error)
}

// IdempotencyStore replays responses for repeated Idempotency-Key requests
type IdempotencyStore interface {
	CheckOrReserve(ctx context.Context, key, fingerprint string) (*redis.CachedResponse, error)
	Store(ctx context.Context, key string, resp *redis.CachedResponse, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// NotifyRequest is the body of POST /api/notify. Recipient is either a
// string or a list of strings.
type NotifyRequest struct {
	Message   string          `json:"message"`
	Recipient json.RawMessage `json:"recipient"`
	Delay     int             `json:"delay"`
}

type RecipientResponse struct {
	Recipient     string `json:"recipient"`
	RecipientType string `json:"recipient_type"`
}

// NotificationResponse is returned after creating or fetching a notification
type NotificationResponse struct {
	ID         int64               `json:"id"`
	Message    string              `json:"message"`
	Delay      int                 `json:"delay"`
	CreatedAt  time.Time           `json:"created_at"`
	Recipients []RecipientResponse `json:"recipients"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string              `json:"type"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail string              `json:"detail,omitempty"`
	Errors map[string][]string `json:"errors,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	notifier    Notifier
	repo        NotificationRepository
	idempotency IdempotencyStore // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, notifier Notifier, repo NotificationRepository) *Handler {
	return &Handler{
		logger:   logger,
		notifier: notifier,
		repo:     repo,
	}
}

// WithIdempotency enables Idempotency-Key support
func (h *Handler) WithIdempotency(store IdempotencyStore) *Handler {
	h.idempotency = store
	return h
}

// Routes mounts the API under r
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notify", h.CreateNotification)
	r.Get("/notifications", h.ListNotifications)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Get("/notifications/{id}/logs", h.ListSendLog)
}

// CreateNotification handles POST /api/notify
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Request body too large", "")
		return
	}

	var req NotifyRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	submission := notify.Request{
		Message: req.Message,
		Delay:   req.Delay,
	}
	// a badly shaped recipient is reported together with the other fields
	recipients, problem := normalizeRecipients(req.Recipient)
	if problem != "" {
		submission.RecipientProblems = []string{problem}
	} else {
		submission.Recipients = recipients
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if h.idempotency == nil {
		idempotencyKey = ""
	}
	fingerprint := fingerprintOf(body)

	if idempotencyKey != "" {
		cached, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey, fingerprint)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case errors.Is(err, redis.ErrKeyReused):
			h.writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
				"Idempotency key reused",
				"This idempotency key was used with a different request body")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	notif, err := h.notifier.Submit(ctx, submission)
	if err != nil {
		h.release(ctx, idempotencyKey)

		var verr *notify.ValidationError
		if errors.As(err, &verr) {
			h.writeValidationError(w, verr.Fields)
			return
		}

		h.logger.Error("failed to create notification", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create notification", "")
		return
	}

	resp, err := json.Marshal(toResponse(notif))
	if err != nil {
		h.release(ctx, idempotencyKey)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if idempotencyKey != "" {
		cached := &redis.CachedResponse{
			StatusCode:  http.StatusCreated,
			Body:        resp,
			Fingerprint: fingerprint,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, cached, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(resp)
}

// GetNotification handles GET /api/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	notif, err := h.repo.GetNotification(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}

	h.writeJSON(w, http.StatusOK, toResponse(notif))
}

// ListNotifications handles GET /api/notifications?limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.repo.ListNotifications(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	data := make([]NotificationResponse, len(notifications))
	for i, n := range notifications {
		data[i] = toResponse(n)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   data,
		"limit":  limit,
		"offset": offset,
		"count":  len(data),
	})
}

// ListSendLog handles GET /api/notifications/{id}/logs
func (h *Handler) ListSendLog(w http.ResponseWriter, r *http.Request) {
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if _, err := h.repo.GetNotification(ctx, id); err != nil {
		h.writeLookupError(w, err, id)
		return
	}

	entries, err := h.repo.ListSendLog(ctx, id)
	if err != nil {
		h.logger.Error("failed to list send log", zap.Error(err), zap.Int64("notification_id", id))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list send log", "")
		return
	}
	if entries == nil {
		entries = []*db.SendLogEntry{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"notification_id": id,
		"data":            entries,
		"count":           len(entries),
	})
}

func (h *Handler) notificationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, id int64) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	h.logger.Error("failed to get notification", zap.Error(err), zap.Int64("id", id))
	h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
}

func (h *Handler) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := h.idempotency.Release(context.WithoutCancel(ctx), key); err != nil {
		h.logger.Warn("failed to release idempotency key", zap.Error(err), zap.String("idempotency_key", key))
	}
}

// normalizeRecipients turns the recipient field into a list. It returns a
// field error message instead when the value is missing or has the wrong shape.
func normalizeRecipients(raw json.RawMessage) ([]string, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, notify.MsgRequired
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, "This field may not be blank."
		}
		return []string{single}, ""
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, "Expected a string or a list of strings."
	}
	for _, s := range list {
		if s == "" {
			return nil, "This field may not be blank."
		}
	}
	return list, ""
}

func fingerprintOf(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func toResponse(n *db.Notification) NotificationResponse {
	recipients := make([]RecipientResponse, len(n.Recipients))
	for i, rc := range n.Recipients {
		recipients[i] = RecipientResponse{Recipient: rc.Address, RecipientType: rc.Channel}
	}
	return NotificationResponse{
		ID:         n.ID,
		Message:    n.Message,
		Delay:      n.Delay,
		CreatedAt:  n.CreatedAt,
		Recipients: recipients,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeValidationError(w http.ResponseWriter, fields map[string][]string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusBadRequest)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   "validation_error",
		Title:  "Invalid request",
		Status: http.StatusBadRequest,
		Errors: fields,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/ids"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

const (
	devSessionLimit  = 30
	devSessionWindow = time.Minute
)

// UserCloser закрывает все WebSocket-сессии пользователя (ws.Hub).
type UserCloser interface {
	CloseUser(userID string) int
}

// SessionHandler выдаёт и отзывает токены сессий. Выдача без проверки личности
// доступна только в режиме разработки; в проде токены кладёт провайдер идентичности.
type SessionHandler struct {
	store storage.SessionStore
	docs  docstore.Store
	users UserCloser
	ttl   time.Duration
	now   func() time.Time
}

func NewSessionHandler(store storage.SessionStore, docs docstore.Store, users UserCloser, ttl time.Duration) *SessionHandler {
	return &SessionHandler{store: store, docs: docs, users: users, ttl: ttl, now: time.Now}
}

type DevSessionRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
}

type SessionResponse struct {
	Token     string    `json:"token,omitempty"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateDev: POST /api/dev/sessions: профиль users/<uid> и новый токен.
func (h *SessionHandler) CreateDev(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ok, err := h.store.CheckRateLimit(ctx, "dev-session:"+middleware.ClientIP(r), devSessionLimit, devSessionWindow)
	if err != nil {
		logger.Errorf("dev session rate limit: %v", err)
	} else if !ok {
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req DevSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.UserID == "" || strings.Contains(req.UserID, "/") {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}

	profile := map[string]any{"displayName": req.DisplayName, "photoURL": req.PhotoURL}
	err = h.docs.Update(ctx, model.CollectionUsers, req.UserID, profile)
	if errors.Is(err, docstore.ErrNotFound) {
		profile["online"] = false
		profile["lastActive"] = docstore.ServerTimestamp
		profile["blockedUsers"] = []any{}
		err = h.docs.Create(ctx, model.CollectionUsers, req.UserID, profile)
		if errors.Is(err, docstore.ErrAlreadyExists) {
			err = nil
		}
	}
	if err != nil {
		logger.Errorf("dev session profile %s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to save profile")
		return
	}

	now := h.now()
	s := &model.Session{Token: ids.New(), UserID: req.UserID, CreatedAt: now, ExpiresAt: now.Add(h.ttl)}
	if err := h.store.PutSession(ctx, s); err != nil {
		logger.Errorf("dev session put %s: %v", req.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	logger.Infof("dev session issued user=%s token=%s", s.UserID, middleware.MaskToken(s.Token))
	writeJSON(w, http.StatusCreated, SessionResponse{Token: s.Token, UserID: s.UserID, ExpiresAt: s.ExpiresAt})
}

// Current: GET /api/sessions/current.
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	s := middleware.GetSession(r.Context())
	if s == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{UserID: s.UserID, ExpiresAt: s.ExpiresAt})
}

// SignOut: DELETE /api/sessions/current: отзыв токена и закрытие всех сокетов пользователя.
// Закрытие сокета освобождает контроллер: подписки, таймер набора, присутствие.
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	s := middleware.GetSession(r.Context())
	if s == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.store.DeleteSession(r.Context(), s.Token); err != nil {
		logger.Errorf("sign out %s: %v", s.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to sign out")
		return
	}
	n := h.users.CloseUser(s.UserID)
	logger.Infof("sign out user=%s closed=%d", s.UserID, n)
	w.WriteHeader(http.StatusNoContent)
}

package handler

import (
	"net/http"

	"github.com/socialchat/internal/config"
)

// ConfigHandler отдаёт публичные параметры клиенту (без авторизации).
type ConfigHandler struct {
	cfg            *config.Config
	vapidPublicKey string
}

// NewConfigHandler создаёт обработчик. vapidPublicKey пустой, если пуши выключены.
func NewConfigHandler(cfg *config.Config, vapidPublicKey string) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, vapidPublicKey: vapidPublicKey}
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши.
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.vapidPublicKey,
	})
}

// GetChatConfig: параметры, которые клиент использует для дебаунса набора и загрузок.
func (h *ConfigHandler) GetChatConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"typing_timeout_ms": h.cfg.Chat.TypingTimeoutMS,
		"message_window":    h.cfg.Chat.MessageWindow,
		"media_limit":       h.cfg.Chat.MediaLimit,
		"max_upload_mb":     h.cfg.Uploads.MaxSizeMB,
	})
}

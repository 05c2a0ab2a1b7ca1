package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/fileserver"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/ws"
)

// ImageSender: контроллер сессии пользователя, в которой открыт диалог (ws.Hub).
type ImageSender interface {
	SendImage(ctx context.Context, userID, conversationID, name string, r io.Reader) error
}

type AttachmentHandler struct {
	sender  ImageSender
	maxSize int64
}

func NewAttachmentHandler(sender ImageSender, maxSize int64) *AttachmentHandler {
	return &AttachmentHandler{sender: sender, maxSize: maxSize}
}

// SendImage: POST /api/conversations/{id}/images: загрузка и отправка картинки
// в диалог, открытый в одной из WebSocket-сессий пользователя.
func (h *AttachmentHandler) SendImage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")
	if h.maxSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+1<<20)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	err = h.sender.SendImage(r.Context(), userID, convID, header.Filename, file)
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	status, msg := attachmentStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("attachment user=%s conv=%s: %v", userID, convID, err)
	}
	writeError(w, status, msg)
}

func attachmentStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ws.ErrNoActiveConversation), errors.Is(err, chat.ErrNotLive):
		return http.StatusConflict, "conversation is not open"
	case errors.Is(err, chat.ErrBlocked):
		return http.StatusForbidden, chat.ErrBlocked.Error()
	case errors.Is(err, chat.ErrNoUploader):
		return http.StatusServiceUnavailable, chat.ErrNoUploader.Error()
	case errors.Is(err, fileserver.ErrNotAllowed), errors.Is(err, fileserver.ErrMismatch), errors.Is(err, fileserver.ErrTooLarge):
		return fileserver.StatusOf(err)
	default:
		return http.StatusBadGateway, "upload failed"
	}
}

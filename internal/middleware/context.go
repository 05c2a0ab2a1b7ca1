package middleware

import (
	"context"

	"github.com/socialchat/internal/model"
)

type contextKey string

const (
	userIDKey  contextKey = "user_id"
	sessionKey contextKey = "session"
)

// WithSession кладёт сессию и её user_id в контекст.
func WithSession(ctx context.Context, s *model.Session) context.Context {
	ctx = context.WithValue(ctx, sessionKey, s)
	return context.WithValue(ctx, userIDKey, s.UserID)
}

// GetUserID возвращает user_id, установленный TokenAuth.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func GetSession(ctx context.Context) *model.Session {
	s, _ := ctx.Value(sessionKey).(*model.Session)
	return s
}

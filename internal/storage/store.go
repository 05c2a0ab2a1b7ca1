// Package storage: короткоживущее состояние шлюза: токены сессий, счётчики rate limit
// и push-подписки браузеров. Реализации: redis.Client, memory.Client (для -dev без Redis).
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/socialchat/internal/model"
)

const (
	// MaxPushSubsPerUser: сколько последних подписок (устройств) хранить на пользователя.
	MaxPushSubsPerUser  = 10
	PushSubscriptionTTL = 30 * 24 * time.Hour
)

// PushSubscription: подписка из браузера (PushManager.subscribe).
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Valid: есть endpoint и оба ключа.
func (s PushSubscription) Valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// SessionStore хранит токены сессий и окна rate limit.
type SessionStore interface {
	// PutSession сохраняет сессию до ExpiresAt.
	PutSession(ctx context.Context, s *model.Session) error
	// GetSession возвращает nil, nil для неизвестного или истёкшего токена.
	GetSession(ctx context.Context, token string) (*model.Session, error)
	DeleteSession(ctx context.Context, token string) error
	// CheckRateLimit считает запросы по key в фиксированном окне; false: лимит исчерпан.
	CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (bool, error)
	Close() error
}

// PushRegistry: push-подписки по пользователю, не больше MaxPushSubsPerUser.
type PushRegistry interface {
	AddPushSubscription(ctx context.Context, userID string, sub PushSubscription) error
	PushSubscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
	RemovePushSubscription(ctx context.Context, userID, endpoint string) error
}

// EncodeSubscription и DecodeSubscription: формат элемента списка подписок.
func EncodeSubscription(sub PushSubscription) (string, error) {
	b, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeSubscription(raw string) (PushSubscription, error) {
	var sub PushSubscription
	err := json.Unmarshal([]byte(raw), &sub)
	return sub, err
}

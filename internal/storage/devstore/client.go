// Package devstore: SessionStore для режима -dev: rate limit и push-подписки в памяти,
// сессии в хранилище документов, чтобы они переживали перезапуск шлюза.
package devstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
	"github.com/socialchat/internal/storage/memory"
)

const collection = "sessions"

type Client struct {
	mem  *memory.Client
	docs docstore.Store
}

func New(docs docstore.Store) *Client {
	return &Client{mem: memory.New(), docs: docs}
}

func (c *Client) Close() error { return c.mem.Close() }

func (c *Client) PutSession(ctx context.Context, s *model.Session) error {
	err := c.docs.Set(ctx, collection, s.Token, map[string]any{
		"userId":    s.UserID,
		"createdAt": s.CreatedAt,
		"expiresAt": s.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("devstore.PutSession: %w", err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, token string) (*model.Session, error) {
	doc, err := c.docs.Get(ctx, collection, token)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("devstore.GetSession: %w", err)
	}
	s := &model.Session{Token: token}
	s.UserID, _ = doc.Data["userId"].(string)
	s.CreatedAt, _ = docstore.Time(doc.Data["createdAt"])
	s.ExpiresAt, _ = docstore.Time(doc.Data["expiresAt"])
	if s.UserID == "" || s.Expired(time.Now()) {
		return nil, nil
	}
	return s, nil
}

func (c *Client) DeleteSession(ctx context.Context, token string) error {
	return c.docs.Delete(ctx, collection, token)
}

func (c *Client) CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	return c.mem.CheckRateLimit(ctx, key, max, window)
}

func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	return c.mem.AddPushSubscription(ctx, userID, sub)
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	return c.mem.PushSubscriptions(ctx, userID)
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	return c.mem.RemovePushSubscription(ctx, userID, endpoint)
}

// Package memory: SessionStore и PushRegistry в памяти процесса (режим -dev без Redis).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

type window struct {
	count int
	reset time.Time
}

type pushEntry struct {
	sub storage.PushSubscription
	exp time.Time
}

type Client struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]model.Session
	limit    map[string]window
	push     map[string][]pushEntry
}

func New() *Client {
	return &Client{
		now:      time.Now,
		sessions: make(map[string]model.Session),
		limit:    make(map[string]window),
		push:     make(map[string][]pushEntry),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) PutSession(ctx context.Context, s *model.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.Token] = *s
	return nil
}

func (c *Client) GetSession(ctx context.Context, token string) (*model.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[token]
	if !ok {
		return nil, nil
	}
	if s.Expired(c.now()) {
		delete(c.sessions, token)
		return nil, nil
	}
	return &s, nil
}

func (c *Client) DeleteSession(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, token)
	return nil
}

// CheckRateLimit: фиксированное окно, как INCR+EXPIRE в Redis.
func (c *Client) CheckRateLimit(ctx context.Context, key string, max int, win time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w, ok := c.limit[key]
	if !ok || !now.Before(w.reset) {
		w = window{reset: now.Add(win)}
	}
	w.count++
	c.limit[key] = w
	return w.count <= max, nil
}

func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := c.now().Add(storage.PushSubscriptionTTL)
	list := c.push[userID]
	list = append(list, pushEntry{sub: sub, exp: exp})
	if len(list) > storage.MaxPushSubsPerUser {
		list = list[len(list)-storage.MaxPushSubsPerUser:]
	}
	// TTL общий на весь список, как EXPIRE на ключе.
	for i := range list {
		list[i].exp = exp
	}
	c.push[userID] = list
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.push[userID]
	if len(list) == 0 {
		return nil, nil
	}
	if c.now().After(list[0].exp) {
		delete(c.push, userID)
		return nil, nil
	}
	out := make([]storage.PushSubscription, 0, len(list))
	for _, e := range list {
		out = append(out, e.sub)
	}
	return out, nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.push[userID]
	kept := list[:0]
	for _, e := range list {
		if e.sub.Endpoint != endpoint {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.push, userID)
		return nil
	}
	c.push[userID] = kept
	return nil
}

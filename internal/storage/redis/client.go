// Package redis: SessionStore и PushRegistry поверх Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
)

const (
	sessionPrefix = "session:"
	limitPrefix   = "ratelimit:"
	pushPrefix    = "push:subs:"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// PutSession пишет session:{token} с TTL до ExpiresAt. Сессия без срока живёт 30 дней.
func (c *Client) PutSession(ctx context.Context, s *model.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis.PutSession: %w", err)
	}
	ttl := 30 * 24 * time.Hour
	if !s.ExpiresAt.IsZero() {
		ttl = time.Until(s.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	return c.cli.Set(ctx, sessionPrefix+s.Token, raw, ttl).Err()
}

func (c *Client) GetSession(ctx context.Context, token string) (*model.Session, error) {
	raw, err := c.cli.Get(ctx, sessionPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis.GetSession: %w", err)
	}
	var s model.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("redis.GetSession: %w", err)
	}
	if s.Expired(time.Now()) {
		return nil, nil
	}
	return &s, nil
}

func (c *Client) DeleteSession(ctx context.Context, token string) error {
	return c.cli.Del(ctx, sessionPrefix+token).Err()
}

// CheckRateLimit: ratelimit:{key}: INCR, на первом запросе окна EXPIRE.
func (c *Client) CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (bool, error) {
	k := limitPrefix + key
	n, err := c.cli.Incr(ctx, k).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, k, window)
	}
	return n <= int64(max), nil
}

// AddPushSubscription: push:subs:{uid}: RPUSH, хвост из MaxPushSubsPerUser, TTL 30 дней.
func (c *Client) AddPushSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	raw, err := storage.EncodeSubscription(sub)
	if err != nil {
		return err
	}
	key := pushPrefix + userID
	// Повторная подписка того же браузера не должна плодить дубли.
	if err := c.RemovePushSubscription(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	pipe := c.cli.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -storage.MaxPushSubsPerUser, -1)
	pipe.Expire(ctx, key, storage.PushSubscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.AddPushSubscription: %w", err)
	}
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, pushPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.PushSubscriptions: %w", err)
	}
	subs := make([]storage.PushSubscription, 0, len(list))
	for _, item := range list {
		sub, err := storage.DecodeSubscription(item)
		if err != nil || sub.Endpoint == "" {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// RemovePushSubscription удаляет элементы списка с данным endpoint (LREM по исходной строке).
func (c *Client) RemovePushSubscription(ctx context.Context, userID, endpoint string) error {
	key := pushPrefix + userID
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis.RemovePushSubscription: %w", err)
	}
	for _, item := range list {
		sub, err := storage.DecodeSubscription(item)
		if err == nil && sub.Endpoint != endpoint {
			continue
		}
		if err := c.cli.LRem(ctx, key, 0, item).Err(); err != nil {
			return fmt.Errorf("redis.RemovePushSubscription: %w", err)
		}
	}
	return nil
}

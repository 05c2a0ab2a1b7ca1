package startup

import (
	"context"
	"time"

	redisstorage "github.com/socialchat/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis (сессии, rate limit, push-подписки).
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration) (*redisstorage.Client, error) {
	var client *redisstorage.Client
	err := retry(ctx, maxWait, "redis connect", func(ctx context.Context) error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

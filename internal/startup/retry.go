// Package startup: подключение к внешним зависимостям с повторами при старте сервиса.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/socialchat/internal/logger"
)

const (
	firstBackoff = 2 * time.Second
	maxBackoff   = 30 * time.Second
)

// retry вызывает attempt, пока он не пройдёт или не истечёт maxWait (пауза удваивается до maxBackoff).
func retry(ctx context.Context, maxWait time.Duration, what string, attempt func(context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	backoff := firstBackoff
	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s failed, retry in %v: %v", what, backoff, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

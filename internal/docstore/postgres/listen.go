package postgres

import (
	"context"
	"time"

	"github.com/socialchat/internal/logger"
)

// listen держит отдельное соединение с LISTEN docstore_changes и будит подписки коллекции
// из payload уведомления. После (пере)подключения будятся все подписки: изменения,
// пропущенные за время разрыва, приходят полным снимком.
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)
	backoff := time.Second
	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Errorf("docstore listener: %v, reconnect in %v", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// Соединение в режиме LISTEN в пул не возвращаем.
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	logger.Info("docstore listener: subscribed to ", notifyChannel)
	s.feed.NotifyAll()
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.feed.Notify(n.Payload)
	}
}

package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/storage"
)

// SendFunc: отправка одного уведомления; по умолчанию webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Sender рассылает уведомление на все подписки пользователя из реестра.
// Подписки, на которые push-сервис браузера ответил 404/410, удаляются.
type Sender struct {
	registry storage.PushRegistry
	vapid    *webpush.Options
	send     SendFunc
	observe  func(error)
}

// NewSender: без ключей (keys == nil) подписки сохраняются, но отправка не выполняется.
func NewSender(registry storage.PushRegistry, keys *VAPIDKeys, subscriber string, observe func(error)) *Sender {
	s := &Sender{registry: registry, send: webpush.SendNotificationWithContext, observe: observe}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.vapid = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return s
}

// Enabled: есть ключи VAPID.
func (s *Sender) Enabled() bool { return s.vapid != nil }

func (s *Sender) Subscribe(ctx context.Context, userID string, sub storage.PushSubscription) error {
	return s.registry.AddPushSubscription(ctx, userID, sub)
}

func (s *Sender) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return s.registry.RemovePushSubscription(ctx, userID, endpoint)
}

// Notify реализует chat.Notifier для шлюза без отдельного микросервиса пушей.
func (s *Sender) Notify(ctx context.Context, userID string, n chat.Notification) error {
	_, err := s.Send(ctx, requestFor(userID, n))
	if s.observe != nil {
		s.observe(err)
	}
	return err
}

// Send возвращает число успешно отправленных уведомлений.
func (s *Sender) Send(ctx context.Context, req NotifyRequest) (int, error) {
	subs, err := s.registry.PushSubscriptions(ctx, req.UserID)
	if err != nil {
		return 0, fmt.Errorf("push.Send: %w", err)
	}
	if s.vapid == nil || len(subs) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, sub := range subs {
		resp, err := s.send(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}, s.vapid)
		if err != nil {
			logger.Errorf("push: send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			if err := s.registry.RemovePushSubscription(ctx, req.UserID, sub.Endpoint); err != nil {
				logger.Errorf("push: drop expired %s: %v", shortEndpoint(sub.Endpoint), err)
			}
		case resp.StatusCode >= 300:
			logger.Errorf("push: send %s: status %d", shortEndpoint(sub.Endpoint), resp.StatusCode)
		default:
			sent++
		}
	}
	return sent, nil
}

func shortEndpoint(e string) string {
	if len(e) > 50 {
		return e[:50]
	}
	return e
}

// Package push: Web Push уведомления: клиент микросервиса пушей, отправитель
// через VAPID и HTTP-обработчики самого микросервиса.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/storage"
)

// Client вызывает микросервис пуш-уведомлений.
type Client struct {
	baseURL    string
	httpClient *http.Client
	observe    func(error)
}

// NewClient создаёт клиент; observe (может быть nil) получает результат каждого Notify.
func NewClient(baseURL string, observe func(error)) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		observe:    observe,
	}
}

// SubscribeRequest: тело POST /api/subscribe.
type SubscribeRequest struct {
	UserID       string                   `json:"user_id"`
	Subscription storage.PushSubscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

// NotifyRequest: запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func (c *Client) Subscribe(ctx context.Context, userID string, sub storage.PushSubscription) error {
	return c.call(ctx, http.MethodPost, "/api/subscribe", SubscribeRequest{UserID: userID, Subscription: sub})
}

func (c *Client) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	return c.call(ctx, http.MethodDelete, "/api/subscribe", UnsubscribeRequest{UserID: userID, Endpoint: endpoint})
}

// Notify отправляет пуш о новом сообщении собеседнику.
func (c *Client) Notify(ctx context.Context, userID string, n chat.Notification) error {
	err := c.call(ctx, http.MethodPost, "/api/notify", requestFor(userID, n))
	if c.observe != nil {
		c.observe(err)
	}
	return err
}

func requestFor(userID string, n chat.Notification) NotifyRequest {
	return NotifyRequest{
		UserID: userID,
		Title:  n.Title,
		Body:   n.Body,
		Data:   map[string]string{"conversationId": n.ConversationID},
	}
}

func (c *Client) call(ctx context.Context, method, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push %s %s: %w", method, path, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push %s %s: %d", method, path, resp.StatusCode)
	}
	return nil
}

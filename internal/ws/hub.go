// Package ws: WebSocket-шлюз: на каждое соединение свой chat.Controller,
// команды клиента транслируются в его операции, производное состояние уходит обратно событиями.
package ws

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/model"
)

var (
	ErrNoActiveConversation = errors.New("ws: conversation is not open in any session")
	ErrShuttingDown         = errors.New("ws: hub is shutting down")
)

// ControllerFactory собирает контроллер с опциями шлюза (загрузчик, пуши, метрики).
type ControllerFactory func(s chat.Session, obs chat.Observer, confirm chat.ConfirmFunc) *chat.Controller

// Gauges: счётчики соединений и контроллеров (metrics.Metrics).
type Gauges interface {
	ConnOpened()
	ConnClosed()
	ControllerOpened()
	ControllerClosed()
}

type nopGauges struct{}

func (nopGauges) ConnOpened()       {}
func (nopGauges) ConnClosed()       {}
func (nopGauges) ControllerOpened() {}
func (nopGauges) ControllerClosed() {}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	store   docstore.Store
	factory ControllerFactory
	limits  Limits
	limiter *middleware.LimiterPool
	gauges  Gauges

	register   chan *Client
	unregister chan *Client
	stopping   chan struct{}
	done       chan struct{}
}

type HubOption func(*Hub)

func WithLimits(l Limits) HubOption { return func(h *Hub) { h.limits = l } }

func WithMaxConns(n int) HubOption { return func(h *Hub) { h.maxConns = n } }

// WithLimiter ограничивает частоту команд на пользователя.
func WithLimiter(p *middleware.LimiterPool) HubOption { return func(h *Hub) { h.limiter = p } }

func WithGauges(g Gauges) HubOption { return func(h *Hub) { h.gauges = g } }

func NewHub(store docstore.Store, factory ControllerFactory, opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   10000,
		store:      store,
		factory:    factory,
		gauges:     nopGauges{},
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.limits = h.limits.withDefaults()
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			close(h.stopping)
			h.shutdown()
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

// Done закрывается, когда Run завершил остановку всех клиентов.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
		h.dispose(c)
		h.gauges.ConnClosed()
	}
	logger.Infof("ws: hub stopped, %d clients closed", len(all))
}

// Serve поднимает контроллер для соединения и запускает его насосы.
func (h *Hub) Serve(conn *websocket.Conn, userID string) {
	select {
	case <-h.stopping:
		conn.Close()
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	session := h.session(ctx, userID)
	cancel()

	c := newClient(h, conn, userID, h.limits)
	c.ctrl = h.factory(session, c, c.confirm)
	h.gauges.ControllerOpened()
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := c.ctrl.Start(startCtx)
	startCancel()
	if err != nil {
		logger.Errorf("ws: start controller user=%s: %v", userID, err)
		h.dispose(c)
		conn.Close()
		return
	}
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	c.Start(pumpCtx, pumpCancel)
	h.Register(c)
}

// session читает профиль пользователя для имени отправителя и аватара.
func (h *Hub) session(ctx context.Context, userID string) chat.Session {
	s := chat.Session{UserID: userID}
	doc, err := h.store.Get(ctx, model.CollectionUsers, userID)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			logger.Errorf("ws: load profile user=%s: %v", userID, err)
		}
		return s
	}
	if p, err := model.DecodeProfile(*doc); err == nil {
		s.DisplayName, s.AvatarURL = p.DisplayName, p.PhotoURL
	}
	return s
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.emit(OutgoingMessage{Type: EventError, Payload: ErrorPayload{Error: "too many connections"}})
		c.Close()
		h.dispose(c)
		return
	}
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.total++
	first := len(set) == 1
	h.mu.Unlock()
	h.gauges.ConnOpened()

	if first {
		h.setPresence(c.userID, true)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	_, exists := set[c]
	if !ok || !exists {
		h.mu.Unlock()
		h.dispose(c)
		return
	}
	delete(set, c)
	h.total--
	last := len(set) == 0
	if last {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	h.gauges.ConnClosed()

	c.Close()
	h.dispose(c)
	if last {
		h.setPresence(c.userID, false)
	}
}

func (h *Hub) dispose(c *Client) {
	c.disposeOnce.Do(func() {
		c.ctrl.Dispose()
		h.gauges.ControllerClosed()
	})
}

// setPresence пишет online и lastActive в профиль; профиля нет: создаёт минимальный.
func (h *Hub) setPresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.store.Update(ctx, model.CollectionUsers, userID, map[string]any{
		"online":     online,
		"lastActive": docstore.ServerTimestamp,
	})
	if errors.Is(err, docstore.ErrNotFound) {
		err = h.store.Create(ctx, model.CollectionUsers, userID, map[string]any{
			"displayName":  userID,
			"photoURL":     "",
			"online":       online,
			"lastActive":   docstore.ServerTimestamp,
			"blockedUsers": []any{},
		})
		if errors.Is(err, docstore.ErrAlreadyExists) {
			err = nil
		}
	}
	if err != nil {
		logger.Errorf("ws set online=%v user=%s: %v", online, userID, err)
	}
}

// CloseUser закрывает все соединения пользователя (выход из сессии).
func (h *Hub) CloseUser(userID string) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.Close()
	}
	return len(targets)
}

// Online: есть ли у пользователя открытые соединения.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// SendImage отправляет картинку через контроллер сессии пользователя, в которой открыт диалог.
func (h *Hub) SendImage(ctx context.Context, userID, conversationID, name string, r io.Reader) error {
	h.mu.RLock()
	var target *chat.Controller
	for c := range h.clients[userID] {
		if id, st := c.ctrl.State(); id == conversationID && st == chat.StateLive {
			target = c.ctrl
			break
		}
	}
	h.mu.RUnlock()
	if target == nil {
		return ErrNoActiveConversation
	}
	return target.SendImage(ctx, name, r)
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopping:
		c.Close()
		h.dispose(c)
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopping:
	}
}

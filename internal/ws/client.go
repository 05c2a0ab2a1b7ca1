package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
)

// Limits: параметры соединения.
type Limits struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (l Limits) withDefaults() Limits {
	if l.SendBuffer <= 0 {
		l.SendBuffer = 256
	}
	if l.WriteWait <= 0 {
		l.WriteWait = 10 * time.Second
	}
	if l.PongWait <= 0 {
		l.PongWait = 60 * time.Second
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = 8192
	}
	return l
}

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client: одно WebSocket-соединение и его контроллер сессии чата.
// Client сам является chat.Observer: события контроллера уходят в send без блокировки.
// Lifecycle: newClient -> Start -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan OutgoingMessage
	userID string
	ctrl   *chat.Controller
	limits Limits

	done        chan struct{}
	cancel      context.CancelFunc
	once        sync.Once
	disposeOnce sync.Once
	wg          sync.WaitGroup
}

func newClient(hub *Hub, conn *websocket.Conn, userID string, limits Limits) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan OutgoingMessage, limits.SendBuffer),
		userID: userID,
		limits: limits,
		done:   make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

// Controller: контроллер сессии этого соединения.
func (c *Client) Controller() *chat.Controller { return c.ctrl }

// Start launches readPump and writePump. ctx controls pump lifetime; cancel is stored for Close().
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

// emit кладёт событие в очередь без блокировки; переполненный клиент закрывается.
func (c *Client) emit(msg OutgoingMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.limits.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait)); err != nil {
		logger.Errorf("ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.limits.PongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error user=%s: %v", c.userID, err)
			}
			return
		}
		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.emit(OutgoingMessage{Type: EventError, Payload: ErrorPayload{Error: "invalid json"}})
			continue
		}
		c.hub.HandleMessage(ctx, c, msg)
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.limits.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait)); err != nil {
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			if err := json.NewEncoder(buf).Encode(msg); err != nil {
				bufPool.Put(buf)
				logger.Errorf("ws marshal %s user=%s: %v", msg.Type, c.userID, err)
				continue
			}
			data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
			writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.limits.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// chat.Observer: вызывается под блокировкой контроллера, поэтому только emit.

func (c *Client) ConversationsChanged(list []model.ConversationView) {
	c.emit(OutgoingMessage{Type: EventConversations, Payload: ConversationsPayload{Conversations: list}})
}

func (c *Client) MessagesChanged(conversationID string, msgs []model.Message) {
	c.emit(OutgoingMessage{Type: EventMessages, Payload: MessagesPayload{ConversationID: conversationID, Messages: msgs}})
}

func (c *Client) PresenceChanged(conversationID string, p model.Presence) {
	c.emit(OutgoingMessage{Type: EventPresence, Payload: PresencePayload{ConversationID: conversationID, Presence: p}})
}

func (c *Client) MediaLoaded(conversationID string, items []chat.MediaItem) {
	c.emit(OutgoingMessage{Type: EventMedia, Payload: MediaPayload{ConversationID: conversationID, Items: items}})
}

func (c *Client) BlockedChanged(blocked []string) {
	c.emit(OutgoingMessage{Type: EventBlocked, Payload: BlockedPayload{Blocked: blocked}})
}

func (c *Client) StateChanged(conversationID string, s chat.State) {
	c.emit(OutgoingMessage{Type: EventState, Payload: StatePayload{ConversationID: conversationID, State: s}})
}

func (c *Client) Notice(n chat.Notice) {
	c.emit(OutgoingMessage{Type: EventNotice, Payload: n})
}

type confirmedKey struct{}

func withConfirmed(ctx context.Context, ok bool) context.Context {
	return context.WithValue(ctx, confirmedKey{}, ok)
}

// confirm: chat.ConfirmFunc: удаление без confirmed=true превращается в запрос подтверждения клиенту.
func (c *Client) confirm(ctx context.Context, m model.Message) bool {
	if ok, _ := ctx.Value(confirmedKey{}).(bool); ok {
		return true
	}
	c.emit(OutgoingMessage{Type: EventConfirm, Payload: ConfirmPayload{MessageID: m.ID, Preview: m.Preview()}})
	return false
}

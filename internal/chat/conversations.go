package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
)

// onConversations заменяет список диалогов целиком.
func (c *Controller) onConversations(docs []docstore.Document, err error) {
	if err != nil {
		logger.Errorf("chat: conversations snapshot user=%s: %v", c.session.UserID, err)
		docs = nil
	}
	uid := c.session.UserID
	convs := make([]model.Conversation, 0, len(docs))
	for _, d := range docs {
		conv, err := model.DecodeConversation(d)
		if err != nil {
			logger.Errorf("chat: skip conversation: %v", err)
			continue
		}
		if !conv.Has(uid) {
			continue
		}
		convs = append(convs, conv)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.convs = convs
	c.byID = make(map[string]model.Conversation, len(convs))
	for _, conv := range convs {
		c.byID[conv.ID] = conv
	}
	c.obs.ConversationsChanged(c.viewsLocked())
	mark := c.readReceiptLocked()
	c.mu.Unlock()

	mark()
}

// viewsLocked строит строки списка, по одной на собеседника. Дубли диалогов с тем же
// собеседником (гонка создания) скрываются: остаётся самый свежий по lastActivity.
func (c *Controller) viewsLocked() []model.ConversationView {
	uid := c.session.UserID
	seen := make(map[string]struct{}, len(c.convs))
	out := make([]model.ConversationView, 0, len(c.convs))
	for _, conv := range c.convs {
		other := conv.Counterpart(uid)
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		out = append(out, conv.View(uid))
	}
	return out
}

func (c *Controller) onOwnProfile(doc *docstore.Document, err error) {
	if err != nil {
		logger.Errorf("chat: own profile snapshot user=%s: %v", c.session.UserID, err)
		return
	}
	p := model.Profile{ID: c.session.UserID}
	if doc != nil {
		if p, err = model.DecodeProfile(*doc); err != nil {
			logger.Errorf("chat: own profile: %v", err)
			return
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.me = p
	blocked := make([]string, len(p.BlockedUsers))
	copy(blocked, p.BlockedUsers)
	c.obs.BlockedChanged(blocked)
}

// Open делает диалог активным: подписки предыдущего снимаются синхронно,
// затем открываются живые выборки сообщений (последние N по createdAt) и профиля собеседника.
func (c *Controller) Open(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("chat.Open", time.Now())()
	if id == "" {
		return ErrUnknownConversation
	}
	uid := c.session.UserID

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.active != nil && c.active.id == id {
		c.mu.Unlock()
		return nil
	}
	conv, known := c.byID[id]
	c.mu.Unlock()

	if !known {
		doc, err := c.store.Get(ctx, model.CollectionConversations, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrUnknownConversation
		}
		if err != nil {
			return fmt.Errorf("chat.Open: %w", err)
		}
		if conv, err = model.DecodeConversation(*doc); err != nil {
			return fmt.Errorf("chat.Open: %w", err)
		}
	}
	if !conv.Has(uid) {
		return ErrNotParticipant
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.active != nil {
		prev := c.active.id
		c.setStateLocked(prev, StateSwitching)
		c.teardownLocked()
	}
	c.gen++
	a := &active{id: id, gen: c.gen, counterpart: conv.Counterpart(uid)}
	c.active = a
	c.setStateLocked(id, StateLoading)
	c.mu.Unlock()

	gen := a.gen
	msgSub, err := c.store.Watch(c.ctx, docstore.Query{
		Collection:  model.MessagesCollection(id),
		OrderBy:     "createdAt",
		Limit:       c.opts.window,
		LimitToLast: true,
	}, func(docs []docstore.Document, err error) {
		c.onMessages(gen, docs, err)
	})
	var presenceSub docstore.Subscription
	if err == nil {
		presenceSub, err = c.store.WatchDocument(c.ctx, model.CollectionUsers, a.counterpart, func(doc *docstore.Document, err error) {
			c.onPresence(gen, doc, err)
		})
	}

	c.mu.Lock()
	if c.active != a {
		// Пока открывались подписки, диалог уже сменили или закрыли.
		c.mu.Unlock()
		docstore.Stop(msgSub, presenceSub)
		return nil
	}
	a.msgSub, a.presenceSub = msgSub, presenceSub
	if err != nil {
		c.teardownLocked()
		c.setStateLocked(id, StateClosed)
		c.mu.Unlock()
		return c.fail("Open", fmt.Errorf("open %s: %w", id, err), noticeWriteFailed)
	}
	c.mu.Unlock()
	return nil
}

// CloseConversation снимает подписки активного диалога.
func (c *Controller) CloseConversation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return
	}
	id := c.active.id
	c.teardownLocked()
	c.setStateLocked(id, StateClosed)
}

func (c *Controller) onMessages(gen uint64, docs []docstore.Document, err error) {
	if err != nil {
		// Ошибка чтения: пустое состояние и диагностика в лог.
		logger.Errorf("chat: messages snapshot user=%s: %v", c.session.UserID, err)
		docs = nil
	}
	msgs := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		m, err := model.DecodeMessage(d)
		if err != nil {
			logger.Errorf("chat: skip message: %v", err)
			continue
		}
		msgs = append(msgs, m)
	}
	// Порядок задаёт только время сервера.
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})

	c.mu.Lock()
	a := c.active
	if c.disposed || a == nil || a.gen != gen {
		c.mu.Unlock()
		return
	}
	a.messages = msgs
	if !a.loaded {
		a.loaded = true
		c.setStateLocked(a.id, StateLive)
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	c.obs.MessagesChanged(a.id, out)
	mark := c.readReceiptLocked()
	c.mu.Unlock()

	mark()
}

func (c *Controller) onPresence(gen uint64, doc *docstore.Document, err error) {
	if err != nil {
		logger.Errorf("chat: presence snapshot user=%s: %v", c.session.UserID, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.active
	if c.disposed || a == nil || a.gen != gen {
		return
	}
	p := model.Profile{ID: a.counterpart}
	if doc != nil {
		decoded, err := model.DecodeProfile(*doc)
		if err != nil {
			logger.Errorf("chat: counterpart profile: %v", err)
			return
		}
		p = decoded
	}
	a.peer = &p
	c.obs.PresenceChanged(a.id, model.PresenceOf(p, c.opts.now()))
}

// readReceiptLocked отмечает последнее сообщение собеседника прочитанным, если
// диалог открыт и виден. Запись выполняется после снятия блокировки.
func (c *Controller) readReceiptLocked() func() {
	nop := func() {}
	a := c.active
	if a == nil || !a.loaded || !c.visible || c.state != StateLive {
		return nop
	}
	conv, ok := c.byID[a.id]
	if !ok || !conv.Unread(c.session.UserID) {
		return nop
	}
	ts := conv.LastMessage.Timestamp
	if a.readMarked.Equal(ts) && !ts.IsZero() {
		return nop
	}
	a.readMarked = ts
	id := a.id
	return func() {
		err := c.write("read", func() error {
			return c.store.Update(c.ctx, model.CollectionConversations, id, map[string]any{
				"lastMessage.read": true,
			})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("chat: mark read %s: %v", id, err)
		}
	}
}

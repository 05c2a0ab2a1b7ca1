// Package chat: контроллер сессии мессенджера: живой список диалогов пользователя,
// сообщения открытого диалога, присутствие и набор текста собеседника,
// а также все записи (отправка, реакции, удаление, ники, темы, блокировки).
//
// Один Controller обслуживает одного пользователя в одной вкладке. Зависимости
// передаются явно: хранилище, сессия, наблюдатель и опции.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
)

// active: открытый диалог и его подписки. gen отличает его от предыдущих открытий.
type active struct {
	id          string
	gen         uint64
	counterpart string
	msgSub      docstore.Subscription
	presenceSub docstore.Subscription
	messages    []model.Message
	loaded      bool
	peer        *model.Profile
	// readMarked: метка lastMessage, для которой уже записан read=true.
	readMarked time.Time
}

type Controller struct {
	store   docstore.Store
	session Session
	obs     Observer
	opts    options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	disposed bool
	visible  bool
	state    State
	gen      uint64
	listSub  docstore.Subscription
	meSub    docstore.Subscription
	me       model.Profile
	convs    []model.Conversation
	byID     map[string]model.Conversation
	active   *active
	replyTo  *model.ReplyRef
	typing   typing
}

func New(store docstore.Store, session Session, obs Observer, opts ...Option) *Controller {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if obs == nil {
		obs = NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:   store,
		session: session,
		obs:     obs,
		opts:    o,
		ctx:     ctx,
		cancel:  cancel,
		visible: true,
		me:      model.Profile{ID: session.UserID},
		byID:    make(map[string]model.Conversation),
	}
}

func (c *Controller) UserID() string {
	return c.session.UserID
}

// Start открывает живой список диалогов (participants содержит меня, по lastActivity убыв.)
// и подписку на собственный профиль (блок-лист).
func (c *Controller) Start(ctx context.Context) error {
	defer logger.DeferLogDuration("chat.Start", time.Now())()
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	uid := c.session.UserID
	listSub, err := c.store.Watch(c.ctx, docstore.Query{
		Collection: model.CollectionConversations,
		Filters:    []docstore.Filter{docstore.ArrayContains("participants", uid)},
		OrderBy:    "lastActivity",
		Desc:       true,
	}, c.onConversations)
	if err != nil {
		return fmt.Errorf("chat.Start: watch conversations: %w", err)
	}
	meSub, err := c.store.WatchDocument(c.ctx, model.CollectionUsers, uid, c.onOwnProfile)
	if err != nil {
		listSub.Stop()
		return fmt.Errorf("chat.Start: watch profile: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		docstore.Stop(listSub, meSub)
		return ErrDisposed
	}
	c.listSub, c.meSub = listSub, meSub
	return nil
}

// Dispose снимает все подписки и таймер набора. Безопасен при повторном вызове.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	docstore.Stop(c.listSub, c.meSub)
	c.listSub, c.meSub = nil, nil
	var convID string
	if c.active != nil {
		convID = c.active.id
		c.teardownLocked()
		c.setStateLocked(convID, StateClosed)
	}
	clearConv := c.typing.cancelLocked()
	c.mu.Unlock()

	c.cancel()
	// Флаг набора снимаем сразу: таймер уже не сработает.
	if clearConv != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.writeTyping(ctx, clearConv, false)
	}
}

// SetVisible: видимость мессенджера. Скрытие закрывает активный диалог.
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	c.visible = visible
	c.mu.Unlock()
	if !visible {
		c.CloseConversation()
	}
}

// State возвращает состояние и id активного диалога.
func (c *Controller) State() (string, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", c.state
	}
	return c.active.id, c.state
}

// Conversations: текущий список диалогов (после дедупликации).
func (c *Controller) Conversations() []model.ConversationView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewsLocked()
}

// Messages: сообщения активного диалога.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	out := make([]model.Message, len(c.active.messages))
	copy(out, c.active.messages)
	return out
}

// IsBlocked: uid в моём блок-листе (по кэшу профиля).
func (c *Controller) IsBlocked(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.me.HasBlocked(uid)
}

func (c *Controller) setStateLocked(convID string, s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.obs.StateChanged(convID, s)
}

// teardownLocked синхронно отсоединяет подписки активного диалога.
// Результаты, пришедшие позже, отбрасываются по gen.
func (c *Controller) teardownLocked() {
	a := c.active
	if a == nil {
		return
	}
	docstore.Stop(a.msgSub, a.presenceSub)
	c.active = nil
	c.replyTo = nil
}

// liveLocked возвращает активный диалог, если он в состоянии LIVE.
func (c *Controller) liveLocked() (*active, error) {
	if c.disposed {
		return nil, ErrDisposed
	}
	if c.active == nil || c.state != StateLive {
		return nil, ErrNotLive
	}
	return c.active, nil
}

func (c *Controller) noticeLocked(n Notice) {
	c.obs.Notice(n)
}

func (c *Controller) notice(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noticeLocked(n)
}

// fail логирует ошибку операции и показывает пользователю уведомление.
func (c *Controller) fail(op string, err error, text string) error {
	logger.Errorf("chat.%s user=%s: %v", op, c.session.UserID, err)
	c.notice(Notice{Level: NoticeError, Op: op, Text: text})
	return err
}

// write выполняет запись и учитывает её в метриках.
func (c *Controller) write(op string, fn func() error) error {
	err := fn()
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.opts.metrics.Write(op, err)
	return err
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/ids"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
)

// SetReplyTarget запоминает сообщение, на которое отвечает следующая отправка.
func (c *Controller) SetReplyTarget(messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.liveLocked()
	if err != nil {
		return err
	}
	m, ok := findMessage(a.messages, messageID)
	if !ok {
		return ErrUnknownMessage
	}
	c.replyTo = &model.ReplyRef{
		MessageID:  m.ID,
		Text:       m.Preview(),
		SenderName: c.senderNameLocked(m.SenderID),
	}
	return nil
}

func (c *Controller) ClearReplyTarget() {
	c.mu.Lock()
	c.replyTo = nil
	c.mu.Unlock()
}

// ReplyTarget: текущая цель ответа или nil.
func (c *Controller) ReplyTarget() *model.ReplyRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replyTo == nil {
		return nil
	}
	r := *c.replyTo
	return &r
}

func (c *Controller) senderNameLocked(uid string) string {
	if uid == c.session.UserID {
		return c.session.DisplayName
	}
	if a := c.active; a != nil {
		if conv, ok := c.byID[a.id]; ok {
			return conv.DisplayName(uid)
		}
	}
	return ""
}

func findMessage(msgs []model.Message, id string) (model.Message, bool) {
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

// outgoing: снимок состояния для отправки, снятый под блокировкой.
type outgoing struct {
	convID      string
	counterpart string
	peer        *model.Profile
	replyTo     *model.ReplyRef
}

func (c *Controller) prepareSend(text string) (outgoing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.liveLocked()
	if err != nil {
		return outgoing{}, err
	}
	if text == "" && c.replyTo == nil {
		return outgoing{}, ErrEmptyMessage
	}
	return outgoing{convID: a.id, counterpart: a.counterpart, peer: a.peer, replyTo: c.replyTo}, nil
}

// blockedBy проверяет блок-лист собеседника: отправка запрещена, если он заблокировал меня.
// Используется кэш профиля из подписки присутствия; до первого снимка профиль читается напрямую.
func (c *Controller) blockedBy(ctx context.Context, out outgoing) (bool, error) {
	peer := out.peer
	if peer == nil {
		doc, err := c.store.Get(ctx, model.CollectionUsers, out.counterpart)
		if errors.Is(err, docstore.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		p, err := model.DecodeProfile(*doc)
		if err != nil {
			return false, err
		}
		peer = &p
	}
	return peer.HasBlocked(c.session.UserID), nil
}

// Send отправляет текстовое сообщение в активный диалог.
// Две записи без транзакции: сообщение в подколлекцию, затем превью и lastActivity диалога
// со сбросом своего флага набора.
func (c *Controller) Send(ctx context.Context, text string) error {
	defer logger.DeferLogDuration("chat.Send", time.Now())()
	text = strings.TrimSpace(text)
	out, err := c.prepareSend(text)
	if err != nil {
		return err
	}
	return c.deliver(ctx, out, model.Message{Text: text})
}

// SendImage загружает картинку через Uploader и отправляет её сообщением.
func (c *Controller) SendImage(ctx context.Context, name string, r io.Reader) error {
	defer logger.DeferLogDuration("chat.SendImage", time.Now())()
	if c.opts.uploader == nil {
		return ErrNoUploader
	}
	c.mu.Lock()
	a, err := c.liveLocked()
	var out outgoing
	if err == nil {
		out = outgoing{convID: a.id, counterpart: a.counterpart, peer: a.peer, replyTo: c.replyTo}
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	blocked, err := c.blockedBy(ctx, out)
	if err != nil {
		return c.fail("SendImage", err, noticeUploadFailed)
	}
	if blocked {
		c.notice(Notice{Level: NoticeError, Op: "SendImage", Text: noticeBlocked})
		return ErrBlocked
	}
	url, err := c.opts.uploader.Upload(ctx, name, r)
	if err != nil {
		return c.fail("SendImage", fmt.Errorf("upload %s: %w", name, err), noticeUploadFailed)
	}
	return c.deliver(ctx, out, model.Message{ImageURL: url})
}

func (c *Controller) deliver(ctx context.Context, out outgoing, m model.Message) error {
	const op = "Send"
	blocked, err := c.blockedBy(ctx, out)
	if err != nil {
		return c.fail(op, err, noticeSendFailed)
	}
	if blocked {
		c.notice(Notice{Level: NoticeError, Op: op, Text: noticeBlocked})
		return ErrBlocked
	}

	uid := c.session.UserID
	m.SenderID = uid
	m.ReplyTo = out.replyTo
	msgID := ids.Message()
	err = c.write("send", func() error {
		return c.store.Create(ctx, model.MessagesCollection(out.convID), msgID, model.NewMessageData(m))
	})
	if err != nil {
		return c.fail(op, fmt.Errorf("create message: %w", err), noticeSendFailed)
	}

	c.mu.Lock()
	if c.replyTo == out.replyTo {
		c.replyTo = nil
	}
	c.typing.stopLocked(out.convID)
	c.mu.Unlock()

	err = c.write("preview", func() error {
		return c.store.Update(ctx, model.CollectionConversations, out.convID, map[string]any{
			"lastMessage": map[string]any{
				"text":      m.Preview(),
				"senderId":  uid,
				"timestamp": docstore.ServerTimestamp,
				"read":      false,
			},
			"lastActivity":  docstore.ServerTimestamp,
			"typing." + uid: false,
		})
	})
	if err != nil {
		// Сообщение уже записано; превью догонит следующей отправкой.
		return c.fail(op, fmt.Errorf("update preview: %w", err), noticeWriteFailed)
	}

	if n := c.opts.notifier; n != nil {
		title := c.session.DisplayName
		if title == "" {
			title = "New message"
		}
		if err := n.Notify(ctx, out.counterpart, Notification{
			ConversationID: out.convID,
			Title:          title,
			Body:           m.Preview(),
		}); err != nil {
			logger.Errorf("chat: push to %s: %v", out.counterpart, err)
		}
	}
	return nil
}

// typing: состояние дебаунса. token меняется при каждом перезапуске таймера,
// поэтому сработавший устаревший таймер ничего не делает.
type typing struct {
	conv  string
	on    bool
	token uint64
	timer Timer
}

// stopLocked забывает флаг для conv без записи (её делает вызывающий).
func (t *typing) stopLocked(conv string) {
	if t.conv != conv || !t.on {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.on, t.timer = false, nil
	t.token++
}

// cancelLocked останавливает таймер и возвращает диалог, где флаг остался поднят.
func (t *typing) cancelLocked() string {
	if !t.on {
		return ""
	}
	conv := t.conv
	t.stopLocked(conv)
	return conv
}

// InputChanged вызывается на каждое изменение поля ввода: ставит typing.<uid>=true
// и перезапускает таймер; по его срабатыванию флаг сбрасывается ровно один раз.
func (c *Controller) InputChanged(ctx context.Context) error {
	c.mu.Lock()
	a, err := c.liveLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	convID := a.id
	// Флаг в другом диалоге снимаем сразу, а не по таймеру.
	stale := ""
	if c.typing.on && c.typing.conv != convID {
		stale = c.typing.cancelLocked()
	}
	if c.typing.timer != nil {
		c.typing.timer.Stop()
	}
	c.typing.token++
	tok := c.typing.token
	c.typing.conv, c.typing.on = convID, true
	c.typing.timer = c.opts.timers.AfterFunc(c.opts.typingTimeout, func() {
		c.typingExpired(convID, tok)
	})
	c.mu.Unlock()

	if stale != "" {
		_ = c.writeTyping(ctx, stale, false)
	}
	// Флаг пишется на каждое изменение: его мог сбросить другой писатель
	// (отправка из другой вкладки того же пользователя).
	return c.writeTyping(ctx, convID, true)
}

func (c *Controller) typingExpired(convID string, tok uint64) {
	c.mu.Lock()
	if c.disposed || c.typing.token != tok || !c.typing.on || c.typing.conv != convID {
		c.mu.Unlock()
		return
	}
	c.typing.on, c.typing.timer = false, nil
	c.mu.Unlock()
	_ = c.writeTyping(c.ctx, convID, false)
}

func (c *Controller) writeTyping(ctx context.Context, convID string, on bool) error {
	err := c.write("typing", func() error {
		return c.store.Update(ctx, model.CollectionConversations, convID, map[string]any{
			"typing." + c.session.UserID: on,
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("chat: typing=%v %s: %v", on, convID, err)
	}
	return err
}

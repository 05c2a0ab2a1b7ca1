package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/ids"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/model"
)

// React ставит мою реакцию: reactions.<uid> = emoji. Повторная реакция заменяет прежнюю.
func (c *Controller) React(ctx context.Context, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ErrEmptyReaction
	}
	c.mu.Lock()
	a, err := c.liveLocked()
	if err == nil {
		if _, ok := findMessage(a.messages, messageID); !ok {
			err = ErrUnknownMessage
		}
	}
	var convID string
	if a != nil {
		convID = a.id
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	err = c.write("react", func() error {
		return c.store.Update(ctx, model.MessagesCollection(convID), messageID, map[string]any{
			"reactions." + c.session.UserID: emoji,
		})
	})
	if err != nil {
		return c.fail("React", err, noticeWriteFailed)
	}
	return nil
}

// Delete удаляет моё сообщение после подтверждения. Превью диалога не пересчитывается.
func (c *Controller) Delete(ctx context.Context, messageID string) error {
	c.mu.Lock()
	a, err := c.liveLocked()
	var (
		m      model.Message
		convID string
	)
	if err == nil {
		var ok bool
		if m, ok = findMessage(a.messages, messageID); !ok {
			err = ErrUnknownMessage
		}
		convID = a.id
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if m.SenderID != c.session.UserID {
		c.notice(Notice{Level: NoticeError, Op: "Delete", Text: noticeNotAuthor})
		return ErrNotAuthor
	}
	if !c.opts.confirm(ctx, m) {
		return nil
	}
	err = c.write("delete", func() error {
		return c.store.Delete(ctx, model.MessagesCollection(convID), messageID)
	})
	if err != nil {
		return c.fail("Delete", err, noticeWriteFailed)
	}
	return nil
}

// activeID: id диалога, к которому применяются настройки (ник, тема, эмодзи).
func (c *Controller) activeID() (model.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := c.liveLocked()
	if err != nil {
		return model.Conversation{}, err
	}
	conv, ok := c.byID[a.id]
	if !ok {
		return model.Conversation{ID: a.id, Participants: []string{c.session.UserID, a.counterpart}}, nil
	}
	return conv, nil
}

// SetNickname задаёт отображаемое имя участника в активном диалоге.
func (c *Controller) SetNickname(ctx context.Context, participantID, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return ErrInvalidNickname
	}
	conv, err := c.activeID()
	if err != nil {
		return err
	}
	if !conv.Has(participantID) {
		return ErrNotParticipant
	}
	return c.updateConversation(ctx, "SetNickname", "nickname", conv.ID, map[string]any{
		"nicknames." + participantID: nickname,
	})
}

func (c *Controller) SetTheme(ctx context.Context, theme string) error {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return ErrInvalidValue
	}
	conv, err := c.activeID()
	if err != nil {
		return err
	}
	return c.updateConversation(ctx, "SetTheme", "theme", conv.ID, map[string]any{"theme": theme})
}

// SetQuickEmoji: эмодзи быстрой реакции диалога.
func (c *Controller) SetQuickEmoji(ctx context.Context, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return ErrInvalidValue
	}
	conv, err := c.activeID()
	if err != nil {
		return err
	}
	return c.updateConversation(ctx, "SetQuickEmoji", "emoji", conv.ID, map[string]any{"emoji": emoji})
}

func (c *Controller) updateConversation(ctx context.Context, op, metric, id string, fields map[string]any) error {
	err := c.write(metric, func() error {
		return c.store.Update(ctx, model.CollectionConversations, id, fields)
	})
	if err != nil {
		return c.fail(op, err, noticeWriteFailed)
	}
	return nil
}

// Block добавляет uid в мой блок-лист. Блокировка односторонняя.
func (c *Controller) Block(ctx context.Context, uid string) error {
	return c.toggleBlock(ctx, "Block", uid, docstore.ArrayUnion(uid))
}

func (c *Controller) Unblock(ctx context.Context, uid string) error {
	return c.toggleBlock(ctx, "Unblock", uid, docstore.ArrayRemove(uid))
}

func (c *Controller) toggleBlock(ctx context.Context, op, uid string, change any) error {
	if uid == "" || uid == c.session.UserID {
		return ErrInvalidValue
	}
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return ErrDisposed
	}
	err := c.write(strings.ToLower(op), func() error {
		err := c.store.Update(ctx, model.CollectionUsers, c.session.UserID, map[string]any{
			"blockedUsers": change,
		})
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		// Профиля ещё нет: создаём его с блок-листом.
		return c.store.Create(ctx, model.CollectionUsers, c.session.UserID, map[string]any{
			"displayName":  c.session.DisplayName,
			"photoURL":     c.session.AvatarURL,
			"blockedUsers": change,
		})
	})
	if err != nil {
		return c.fail(op, err, noticeWriteFailed)
	}
	return nil
}

// StartConversation возвращает id диалога с target: сначала ищет в живом списке,
// затем прямым запросом в хранилище и только потом создаёт новый с метаданными участников.
// Двухступенчатая проверка сужает, но не закрывает гонку одновременного создания;
// с WithPairKeys id детерминирован и дубль невозможен.
func (c *Controller) StartConversation(ctx context.Context, target string) (string, error) {
	defer logger.DeferLogDuration("chat.StartConversation", time.Now())()
	uid := c.session.UserID
	if target == "" {
		return "", ErrUnknownUser
	}
	if target == uid {
		return "", ErrSelfConversation
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return "", ErrDisposed
	}
	for _, conv := range c.convs {
		if conv.Has(target) {
			c.mu.Unlock()
			return conv.ID, nil
		}
	}
	c.mu.Unlock()

	docs, err := c.store.Query(ctx, docstore.Query{
		Collection: model.CollectionConversations,
		Filters:    []docstore.Filter{docstore.ArrayContains("participants", uid)},
	})
	if err != nil {
		return "", c.fail("StartConversation", err, noticeWriteFailed)
	}
	for _, d := range docs {
		conv, err := model.DecodeConversation(d)
		if err != nil {
			continue
		}
		if conv.Has(uid) && conv.Has(target) {
			return conv.ID, nil
		}
	}

	doc, err := c.store.Get(ctx, model.CollectionUsers, target)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", c.fail("StartConversation", err, noticeWriteFailed)
	}
	other, err := model.DecodeProfile(*doc)
	if err != nil {
		return "", c.fail("StartConversation", err, noticeWriteFailed)
	}
	me := model.Profile{ID: uid, DisplayName: c.session.DisplayName, PhotoURL: c.session.AvatarURL}
	data := model.NewConversationData(me, other)

	var id string
	err = c.write("start", func() error {
		if c.opts.pairKeys {
			id = ids.Pair(uid, target)
			err := c.store.Create(ctx, model.CollectionConversations, id, data)
			if errors.Is(err, docstore.ErrAlreadyExists) {
				return nil
			}
			return err
		}
		var err error
		id, err = c.store.Add(ctx, model.CollectionConversations, data)
		return err
	})
	if err != nil {
		return "", c.fail("StartConversation", fmt.Errorf("create with %s: %w", target, err), noticeWriteFailed)
	}
	logger.Infof("chat: conversation %s started by %s with %s", id, uid, target)
	return id, nil
}

// LoadMedia читает до mediaLimit последних сообщений активного диалога и отдаёт те,
// что содержат картинку. Результат для уже закрытого диалога отбрасывается.
func (c *Controller) LoadMedia(ctx context.Context) ([]MediaItem, error) {
	defer logger.DeferLogDuration("chat.LoadMedia", time.Now())()
	c.mu.Lock()
	a := c.active
	if c.disposed || a == nil {
		c.mu.Unlock()
		return nil, ErrNotLive
	}
	convID, gen := a.id, a.gen
	c.mu.Unlock()

	docs, err := c.store.Query(ctx, docstore.Query{
		Collection: model.MessagesCollection(convID),
		OrderBy:    "createdAt",
		Desc:       true,
		Limit:      c.opts.mediaLimit,
	})
	if err != nil {
		logger.Errorf("chat: media %s: %v", convID, err)
		docs = nil
	}
	items := make([]MediaItem, 0)
	for _, d := range docs {
		m, err := model.DecodeMessage(d)
		if err != nil || m.ImageURL == "" {
			continue
		}
		items = append(items, MediaItem{MessageID: m.ID, URL: m.ImageURL, SenderID: m.SenderID, CreatedAt: m.CreatedAt})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.active == nil || c.active.gen != gen {
		return nil, nil
	}
	c.obs.MediaLoaded(convID, items)
	return items, nil
}

package ws

import (
	"context"
	"errors"
	"time"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/logger"
)

const commandTimeout = 10 * time.Second

var (
	errUnknownEvent    = errors.New("unknown event type")
	errVisibleRequired = errors.New("visible required")
	errRateLimited     = errors.New("too many requests")
)

// HandleMessage переводит команду клиента в операцию контроллера.
// Успех подтверждается ack, отказ приходит как error с тем же request_id.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws."+string(msg.Type), time.Now())()
	if h.limiter != nil && !h.limiter.Allow("u:"+c.userID) {
		c.emit(errorMessage(msg, errRateLimited))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	ctrl := c.ctrl
	var err error
	switch msg.Type {
	case EventOpenConversation:
		err = ctrl.Open(ctx, msg.ConversationID)
	case EventCloseConversation:
		ctrl.CloseConversation()
	case EventStartConversation:
		var id string
		if id, err = ctrl.StartConversation(ctx, msg.UserID); err == nil {
			c.emit(OutgoingMessage{Type: EventConversationStarted, Payload: ConversationStartedPayload{
				RequestID: msg.RequestID, ConversationID: id, UserID: msg.UserID,
			}})
			return
		}
	case EventSendMessage:
		err = ctrl.Send(ctx, msg.Text)
	case EventSetReply:
		if msg.MessageID == "" {
			ctrl.ClearReplyTarget()
		} else {
			err = ctrl.SetReplyTarget(msg.MessageID)
		}
	case EventTyping:
		err = ctrl.InputChanged(ctx)
	case EventReact:
		err = ctrl.React(ctx, msg.MessageID, msg.Emoji)
	case EventDeleteMessage:
		err = ctrl.Delete(withConfirmed(ctx, msg.Confirmed), msg.MessageID)
	case EventSetNickname:
		err = ctrl.SetNickname(ctx, msg.UserID, msg.Nickname)
	case EventSetTheme:
		err = ctrl.SetTheme(ctx, msg.Theme)
	case EventSetEmoji:
		err = ctrl.SetQuickEmoji(ctx, msg.Emoji)
	case EventBlock:
		err = ctrl.Block(ctx, msg.UserID)
	case EventUnblock:
		err = ctrl.Unblock(ctx, msg.UserID)
	case EventLoadMedia:
		_, err = ctrl.LoadMedia(ctx)
	case EventVisibility:
		if msg.Visible == nil {
			err = errVisibleRequired
		} else {
			ctrl.SetVisible(*msg.Visible)
		}
	default:
		err = errUnknownEvent
	}
	if err != nil {
		c.emit(errorMessage(msg, err))
		return
	}
	c.emit(OutgoingMessage{Type: EventAck, Payload: AckPayload{RequestID: msg.RequestID, Type: msg.Type}})
}

func errorMessage(msg IncomingMessage, err error) OutgoingMessage {
	return OutgoingMessage{Type: EventError, Payload: ErrorPayload{
		RequestID: msg.RequestID,
		Type:      msg.Type,
		Error:     clientError(err),
	}}
}

// clientError: текст для клиента: известные ошибки как есть, остальное обобщённо.
func clientError(err error) string {
	known := []error{
		errUnknownEvent, errVisibleRequired, errRateLimited,
		chat.ErrNotLive, chat.ErrDisposed, chat.ErrEmptyMessage, chat.ErrEmptyReaction,
		chat.ErrBlocked, chat.ErrNotAuthor, chat.ErrUnknownMessage, chat.ErrUnknownConversation,
		chat.ErrUnknownUser, chat.ErrInvalidNickname, chat.ErrInvalidValue, chat.ErrNotParticipant,
		chat.ErrNoUploader, chat.ErrSelfConversation,
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "internal error"
}

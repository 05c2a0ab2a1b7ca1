package ws

import (
	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/model"
)

type EventType string

// Команды от клиента.
const (
	EventOpenConversation  EventType = "open_conversation"
	EventCloseConversation EventType = "close_conversation"
	EventStartConversation EventType = "start_conversation"
	EventSendMessage       EventType = "send_message"
	EventSetReply          EventType = "set_reply"
	EventTyping            EventType = "typing"
	EventReact             EventType = "react"
	EventDeleteMessage     EventType = "delete_message"
	EventSetNickname       EventType = "set_nickname"
	EventSetTheme          EventType = "set_theme"
	EventSetEmoji          EventType = "set_emoji"
	EventBlock             EventType = "block"
	EventUnblock           EventType = "unblock"
	EventLoadMedia         EventType = "load_media"
	EventVisibility        EventType = "visibility"
)

// События сервера.
const (
	EventConversations       EventType = "conversations"
	EventMessages            EventType = "messages"
	EventPresence            EventType = "presence"
	EventMedia               EventType = "media"
	EventBlocked             EventType = "blocked"
	EventState               EventType = "state"
	EventNotice              EventType = "notice"
	EventConfirm             EventType = "confirm"
	EventConversationStarted EventType = "conversation_started"
	EventAck                 EventType = "ack"
	EventError               EventType = "error"
)

// IncomingMessage: команда клиента. RequestID возвращается в ack/error.
type IncomingMessage struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Text           string `json:"text,omitempty"`
	Emoji          string `json:"emoji,omitempty"`
	Nickname       string `json:"nickname,omitempty"`
	Theme          string `json:"theme,omitempty"`

	// set_reply без message_id сбрасывает цель ответа.
	Visible   *bool `json:"visible,omitempty"`
	Confirmed bool  `json:"confirmed,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type ConversationsPayload struct {
	Conversations []model.ConversationView `json:"conversations"`
}

type MessagesPayload struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

type PresencePayload struct {
	ConversationID string         `json:"conversation_id"`
	Presence       model.Presence `json:"presence"`
}

type MediaPayload struct {
	ConversationID string           `json:"conversation_id"`
	Items          []chat.MediaItem `json:"items"`
}

type BlockedPayload struct {
	Blocked []string `json:"blocked"`
}

type StatePayload struct {
	ConversationID string     `json:"conversation_id"`
	State          chat.State `json:"state"`
}

// ConfirmPayload просит клиента подтвердить удаление (повторить delete_message с confirmed=true).
type ConfirmPayload struct {
	MessageID string `json:"message_id"`
	Preview   string `json:"preview"`
}

type ConversationStartedPayload struct {
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type AckPayload struct {
	RequestID string    `json:"request_id,omitempty"`
	Type      EventType `json:"type"`
}

type ErrorPayload struct {
	RequestID string    `json:"request_id,omitempty"`
	Type      EventType `json:"type,omitempty"`
	Error     string    `json:"error"`
}

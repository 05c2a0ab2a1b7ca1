package chat

import (
	"time"

	"github.com/socialchat/internal/model"
)

// State: состояние активного диалога.
type State int

const (
	StateNone State = iota
	StateLoading
	StateLive
	StateSwitching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateSwitching:
		return "switching"
	case StateClosed:
		return "closed"
	default:
		return "none"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type NoticeLevel string

const (
	NoticeError NoticeLevel = "error"
	NoticeInfo  NoticeLevel = "info"
)

// Notice: короткое уведомление пользователю (ошибка записи, отказ в отправке).
type Notice struct {
	Level NoticeLevel `json:"level"`
	Op    string      `json:"op"`
	Text  string      `json:"text"`
}

// MediaItem: картинка из истории диалога для галереи.
type MediaItem struct {
	MessageID string    `json:"messageId"`
	URL       string    `json:"url"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Observer получает производное состояние контроллера. Методы вызываются под
// внутренней блокировкой контроллера, по одному, и не должны обращаться к нему обратно.
type Observer interface {
	ConversationsChanged(list []model.ConversationView)
	MessagesChanged(conversationID string, msgs []model.Message)
	PresenceChanged(conversationID string, p model.Presence)
	MediaLoaded(conversationID string, items []MediaItem)
	BlockedChanged(blocked []string)
	StateChanged(conversationID string, s State)
	Notice(n Notice)
}

// NopObserver игнорирует все события; удобно встраивать.
type NopObserver struct{}

func (NopObserver) ConversationsChanged([]model.ConversationView) {}
func (NopObserver) MessagesChanged(string, []model.Message)        {}
func (NopObserver) PresenceChanged(string, model.Presence)         {}
func (NopObserver) MediaLoaded(string, []MediaItem)                {}
func (NopObserver) BlockedChanged([]string)                        {}
func (NopObserver) StateChanged(string, State)                     {}
func (NopObserver) Notice(Notice)                                  {}

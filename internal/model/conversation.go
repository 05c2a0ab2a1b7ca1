package model

import (
	"time"

	"github.com/socialchat/internal/docstore"
)

// ParticipantInfo: имя и аватар участника, снятые при создании диалога.
// Автоматически не обновляются.
type ParticipantInfo struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// LastMessage: денормализованное превью последнего сообщения для списка диалогов.
type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Conversation: диалог ровно двух участников.
type Conversation struct {
	ID              string
	Participants    []string
	ParticipantInfo map[string]ParticipantInfo
	Nicknames       map[string]string
	LastMessage     *LastMessage
	LastActivity    time.Time
	Typing          map[string]bool
	Theme           string
	Emoji           string
	CreatedAt       time.Time
}

// DecodeConversation проверяет форму документа диалога: ровно два разных участника.
func DecodeConversation(doc docstore.Document) (Conversation, error) {
	d := doc.Data
	parts := stringList(d, "participants")
	if len(parts) != 2 || parts[0] == parts[1] {
		return Conversation{}, malformed(doc, "participants %v", parts)
	}
	c := Conversation{
		ID:              doc.ID,
		Participants:    parts,
		ParticipantInfo: make(map[string]ParticipantInfo, 2),
		Nicknames:       stringMap(d, "nicknames"),
		LastActivity:    timestamp(d, "lastActivity"),
		Typing:          boolMap(d, "typing"),
		Theme:           str(d, "theme"),
		Emoji:           str(d, "emoji"),
		CreatedAt:       timestamp(d, "createdAt"),
	}
	for uid, v := range object(d, "participantInfo") {
		info, _ := v.(map[string]any)
		c.ParticipantInfo[uid] = ParticipantInfo{Name: str(info, "name"), Avatar: str(info, "avatar")}
	}
	if lm := object(d, "lastMessage"); lm != nil {
		c.LastMessage = &LastMessage{
			Text:      str(lm, "text"),
			SenderID:  str(lm, "senderId"),
			Timestamp: timestamp(lm, "timestamp"),
			Read:      boolean(lm, "read"),
		}
	}
	if c.Theme == "" {
		c.Theme = DefaultTheme
	}
	if c.Emoji == "" {
		c.Emoji = DefaultEmoji
	}
	return c, nil
}

func (c Conversation) Has(uid string) bool {
	return c.Participants[0] == uid || c.Participants[1] == uid
}

// Counterpart: второй участник диалога.
func (c Conversation) Counterpart(me string) string {
	if c.Participants[0] == me {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// DisplayName: ник, если задан, иначе имя из participantInfo.
func (c Conversation) DisplayName(uid string) string {
	if n := c.Nicknames[uid]; n != "" {
		return n
	}
	return c.ParticipantInfo[uid].Name
}

// Unread: последнее сообщение от собеседника и ещё не прочитано.
func (c Conversation) Unread(me string) bool {
	return c.LastMessage != nil && c.LastMessage.SenderID != "" &&
		c.LastMessage.SenderID != me && !c.LastMessage.Read
}

// ConversationView: строка списка диалогов с точки зрения me.
type ConversationView struct {
	ID            string            `json:"id"`
	CounterpartID string            `json:"counterpartId"`
	Name          string            `json:"name"`
	Avatar        string            `json:"avatar"`
	LastMessage   *LastMessage      `json:"lastMessage,omitempty"`
	LastActivity  time.Time         `json:"lastActivity"`
	Typing        bool              `json:"typing"`
	Unread        bool              `json:"unread"`
	Theme         string            `json:"theme"`
	Emoji         string            `json:"emoji"`
	Nicknames     map[string]string `json:"nicknames,omitempty"`
}

func (c Conversation) View(me string) ConversationView {
	other := c.Counterpart(me)
	return ConversationView{
		ID:            c.ID,
		CounterpartID: other,
		Name:          c.DisplayName(other),
		Avatar:        c.ParticipantInfo[other].Avatar,
		LastMessage:   c.LastMessage,
		LastActivity:  c.LastActivity,
		Typing:        c.Typing[other],
		Unread:        c.Unread(me),
		Theme:         c.Theme,
		Emoji:         c.Emoji,
		Nicknames:     c.Nicknames,
	}
}

// NewConversationData: документ нового диалога с метаданными участников на момент создания.
func NewConversationData(me, other Profile) map[string]any {
	return map[string]any{
		"participants": []any{me.ID, other.ID},
		"participantInfo": map[string]any{
			me.ID:    map[string]any{"name": me.DisplayName, "avatar": me.PhotoURL},
			other.ID: map[string]any{"name": other.DisplayName, "avatar": other.PhotoURL},
		},
		"nicknames":    map[string]any{},
		"typing":       map[string]any{me.ID: false, other.ID: false},
		"theme":        DefaultTheme,
		"emoji":        DefaultEmoji,
		"lastActivity": docstore.ServerTimestamp,
		"createdAt":    docstore.ServerTimestamp,
	}
}

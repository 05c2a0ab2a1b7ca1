package model

import (
	"time"

	"github.com/socialchat/internal/docstore"
)

// ReplyRef: ссылка на сообщение, на которое отвечают, со снимком текста и имени автора.
type ReplyRef struct {
	MessageID  string `json:"messageId"`
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
}

// Message: сообщение диалога. Меняются только реакции; удаление физическое.
type Message struct {
	ID        string            `json:"id"`
	SenderID  string            `json:"senderId"`
	Text      string            `json:"text,omitempty"`
	ImageURL  string            `json:"imageUrl,omitempty"`
	ReplyTo   *ReplyRef         `json:"replyTo,omitempty"`
	Reactions map[string]string `json:"reactions,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func DecodeMessage(doc docstore.Document) (Message, error) {
	d := doc.Data
	m := Message{
		ID:        doc.ID,
		SenderID:  str(d, "senderId"),
		Text:      str(d, "text"),
		ImageURL:  str(d, "imageUrl"),
		Reactions: stringMap(d, "reactions"),
		CreatedAt: timestamp(d, "createdAt"),
	}
	if m.SenderID == "" {
		return Message{}, malformed(doc, "no senderId")
	}
	if r := object(d, "replyTo"); r != nil && str(r, "messageId") != "" {
		m.ReplyTo = &ReplyRef{
			MessageID:  str(r, "messageId"),
			Text:       str(r, "text"),
			SenderName: str(r, "senderName"),
		}
	}
	return m, nil
}

// Preview: текст для превью в списке диалогов.
func (m Message) Preview() string {
	if m.Text == "" && m.ImageURL != "" {
		return PhotoPreview
	}
	return m.Text
}

// NewMessageData: документ нового сообщения; createdAt ставит хранилище.
func NewMessageData(m Message) map[string]any {
	data := map[string]any{
		"senderId":  m.SenderID,
		"text":      m.Text,
		"reactions": map[string]any{},
		"createdAt": docstore.ServerTimestamp,
	}
	if m.ImageURL != "" {
		data["imageUrl"] = m.ImageURL
	}
	if m.ReplyTo != nil {
		data["replyTo"] = map[string]any{
			"messageId":  m.ReplyTo.MessageID,
			"text":       m.ReplyTo.Text,
			"senderName": m.ReplyTo.SenderName,
		}
	}
	return data
}

// Package model: типизированные документы мессенджера. Документы хранилища
// декодируются на границе с проверкой формы и значениями по умолчанию.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/socialchat/internal/docstore"
)

// ErrMalformed: документ не проходит проверку формы.
var ErrMalformed = errors.New("malformed document")

const (
	CollectionUsers         = "users"
	CollectionConversations = "conversations"
)

const (
	DefaultTheme = "default"
	DefaultEmoji = "👍"
	// PhotoPreview: текст превью последнего сообщения для картинки.
	PhotoPreview = "📷 Photo"
)

// MessagesCollection: подколлекция сообщений диалога.
func MessagesCollection(conversationID string) string {
	return CollectionConversations + "/" + conversationID + "/messages"
}

func malformed(doc docstore.Document, format string, args ...any) error {
	return fmt.Errorf("%s/%s: %w: %s", doc.Collection, doc.ID, ErrMalformed, fmt.Sprintf(format, args...))
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func timestamp(m map[string]any, key string) time.Time {
	t, _ := docstore.Time(m[key])
	return t
}

func object(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}

func stringList(m map[string]any, key string) []string {
	arr, _ := m[key].([]any)
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringMap(m map[string]any, key string) map[string]string {
	o := object(m, key)
	out := make(map[string]string, len(o))
	for k, v := range o {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func boolMap(m map[string]any, key string) map[string]bool {
	o := object(m, key)
	out := make(map[string]bool, len(o))
	for k, v := range o {
		if b, ok := v.(bool); ok {
			out[k] = b
		}
	}
	return out
}

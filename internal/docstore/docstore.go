// Package docstore описывает документное хранилище, поверх которого работает мессенджер:
// коллекции документов, запросы с фильтрами по равенству и вхождению в массив,
// сортировка, ограничение выборки, живые подписки и частичные обновления по пути поля.
//
// Реализации: memory (в процессе, опционально с журналом pebble) и postgres (JSONB + LISTEN/NOTIFY).
package docstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrAlreadyExists = errors.New("docstore: document already exists")
	ErrClosed        = errors.New("docstore: store closed")
	ErrInvalidPath   = errors.New("docstore: invalid field path")
)

// Document: снимок документа. Data содержит только JSON-совместимые значения:
// map[string]any, []any, string, float64, bool, nil. Метки времени: миллисекунды Unix.
type Document struct {
	ID         string
	Collection string
	Data       map[string]any
}

// Field возвращает значение по пути через точку ("lastMessage.read").
func (d Document) Field(path string) (any, bool) {
	return Lookup(d.Data, path)
}

type Operator string

const (
	OpEq            Operator = "=="
	OpArrayContains Operator = "array-contains"
)

type Filter struct {
	Field string
	Op    Operator
	Value any
}

func Eq(field string, v any) Filter {
	return Filter{Field: field, Op: OpEq, Value: v}
}

func ArrayContains(field string, v any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: v}
}

// Query: выборка из одной коллекции.
// Документы без поля OrderBy в результат не попадают; равные значения упорядочиваются по ID.
// LimitToLast берёт последние Limit документов упорядоченной выборки, сохраняя порядок.
type Query struct {
	Collection  string
	Filters     []Filter
	OrderBy     string
	Desc        bool
	Limit       int
	LimitToLast bool
}

// SnapshotFunc получает полный результат запроса после каждого изменения.
type SnapshotFunc func(docs []Document, err error)

// DocumentFunc получает документ после каждого изменения; nil: документа нет.
type DocumentFunc func(doc *Document, err error)

// Subscription: живая подписка. Stop идемпотентен; снимок, уже находящийся в доставке,
// может прийти после Stop, поэтому вызывающий проверяет актуальность сам.
type Subscription interface {
	Stop()
}

// Store: контракт документного хранилища.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	Query(ctx context.Context, q Query) ([]Document, error)
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	Create(ctx context.Context, collection, id string, data map[string]any) error
	Set(ctx context.Context, collection, id string, data map[string]any) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Watch(ctx context.Context, q Query, fn SnapshotFunc) (Subscription, error)
	WatchDocument(ctx context.Context, collection, id string, fn DocumentFunc) (Subscription, error)
	Close() error
}

// Stop останавливает подписки, пропуская nil. Безопасно вызывать для подписок,
// которые так и не были открыты.
func Stop(subs ...Subscription) {
	for _, s := range subs {
		if s != nil {
			s.Stop()
		}
	}
}

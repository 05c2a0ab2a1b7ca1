// Package memory: документное хранилище в памяти процесса с живыми подписками.
// Используется в режиме разработки и в тестах; с журналом (pebblestore) переживает рестарт.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/socialchat/internal/docstore"
)

// Journal получает каждую мутацию до её применения в памяти.
// Ошибка журнала отменяет мутацию.
type Journal interface {
	Put(collection, id string, data map[string]any) error
	Remove(collection, id string) error
}

type Option func(*Store)

func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithClock задаёт часы хранилища для ServerTimestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs задаёт генератор идентификаторов для Add.
func WithIDs(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// Store: реализация docstore.Store в памяти.
type Store struct {
	mu      sync.RWMutex
	colls   map[string]map[string]map[string]any
	feed    *docstore.Feed
	journal Journal
	now     func() time.Time
	newID   func() string
	closed  bool
}

var _ docstore.Store = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		colls: make(map[string]map[string]map[string]any),
		feed:  docstore.NewFeed(),
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Feed даёт доступ к ленте подписок (для метрик).
func (s *Store) Feed() *docstore.Feed {
	return s.feed
}

// Load кладёт документ без журнала и уведомлений. Вызывается при восстановлении из журнала.
func (s *Store) Load(collection, id string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coll(collection)[id] = docstore.Clone(data)
}

func (s *Store) coll(name string) map[string]map[string]any {
	c, ok := s.colls[name]
	if !ok {
		c = make(map[string]map[string]any)
		s.colls[name] = c
	}
	return c
}

func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	data, ok := s.colls[collection][id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return &docstore.Document{ID: id, Collection: collection, Data: docstore.Clone(data)}, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, docstore.ErrClosed
	}
	c := s.colls[q.Collection]
	docs := make([]docstore.Document, 0, len(c))
	for id, data := range c {
		docs = append(docs, docstore.Document{ID: id, Collection: q.Collection, Data: data})
	}
	s.mu.RUnlock()

	// Сохранённые карты не меняются на месте (мутация подменяет документ целиком),
	// поэтому фильтровать можно без блокировки, клонируется только результат.
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	out := docstore.Run(docs, q)
	for i := range out {
		out[i].Data = docstore.Clone(out[i].Data)
	}
	return out, nil
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := s.newID()
	if err := s.Create(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) Create(ctx context.Context, collection, id string, data map[string]any) error {
	return s.mutate(ctx, collection, id, func(cur map[string]any, exists bool) (map[string]any, error) {
		if exists {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrAlreadyExists)
		}
		return docstore.ResolveWrite(data, s.now())
	})
}

func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any) error {
	return s.mutate(ctx, collection, id, func(map[string]any, bool) (map[string]any, error) {
		return docstore.ResolveWrite(data, s.now())
	})
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.mutate(ctx, collection, id, func(cur map[string]any, exists bool) (map[string]any, error) {
		if !exists {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
		}
		return docstore.ApplyUpdate(cur, fields, s.now())
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return docstore.ErrClosed
	}
	if _, ok := s.colls[collection][id]; !ok {
		s.mu.Unlock()
		return nil
	}
	if s.journal != nil {
		if err := s.journal.Remove(collection, id); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("memory.Delete: %w", err)
		}
	}
	delete(s.colls[collection], id)
	s.mu.Unlock()
	s.feed.Notify(collection)
	return nil
}

// mutate применяет изменение одного документа под блокировкой и будит подписчиков коллекции.
func (s *Store) mutate(ctx context.Context, collection, id string, fn func(cur map[string]any, exists bool) (map[string]any, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%s: empty document id", collection)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return docstore.ErrClosed
	}
	cur, exists := s.colls[collection][id]
	next, err := fn(cur, exists)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.journal != nil {
		if err := s.journal.Put(collection, id, next); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("memory: journal %s/%s: %w", collection, id, err)
		}
	}
	s.coll(collection)[id] = next
	s.mu.Unlock()
	s.feed.Notify(collection)
	return nil
}

func (s *Store) Watch(ctx context.Context, q docstore.Query, fn docstore.SnapshotFunc) (docstore.Subscription, error) {
	return docstore.WatchQuery(ctx, s.feed, s, q, fn)
}

func (s *Store) WatchDocument(ctx context.Context, collection, id string, fn docstore.DocumentFunc) (docstore.Subscription, error) {
	return docstore.WatchDoc(ctx, s.feed, s, collection, id, fn)
}

// Close останавливает подписки. Журнал закрывает его владелец.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.feed.Close()
	return nil
}

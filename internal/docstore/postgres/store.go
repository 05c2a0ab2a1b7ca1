// Package postgres: документное хранилище поверх таблицы documents (JSONB).
// Живые подписки получают изменения через LISTEN/NOTIFY на канале docstore_changes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/migrations"
)

const notifyChannel = "docstore_changes"

type Store struct {
	pool   *pgxpool.Pool
	feed   *docstore.Feed
	cancel context.CancelFunc
	done   chan struct{}
}

var _ docstore.Store = (*Store)(nil)

// New создаёт хранилище и запускает слушателя уведомлений. Пул остаётся за вызывающим.
func New(pool *pgxpool.Pool) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:   pool,
		feed:   docstore.NewFeed(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.listen(ctx)
	return s
}

func (s *Store) Feed() *docstore.Feed {
	return s.feed
}

// Migrate применяет встроенные миграции по порядку имён.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("postgres.Migrate: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("postgres.Migrate: read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("postgres.Migrate: run %s: %w", name, err)
		}
	}
	return nil
}

func decode(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	defer logger.DeferLogDuration("docstore.Get", time.Now())()
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`, collection, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docstore.Get: %w", err)
	}
	data, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("docstore.Get %s/%s: %w", collection, id, err)
	}
	return &docstore.Document{ID: id, Collection: collection, Data: data}, nil
}

// buildQuery переводит запрос в SQL. Фильтры: операторы JSONB (#>, @>),
// сортировка по data #> path с добором по id.
func buildQuery(q docstore.Query) (string, []any, error) {
	var b strings.Builder
	args := []any{q.Collection}
	b.WriteString(`SELECT id, data FROM documents WHERE collection = $1`)
	for _, f := range q.Filters {
		path, err := docstore.SplitPath(f.Field)
		if err != nil {
			return "", nil, err
		}
		v, err := docstore.Normalize(f.Value)
		if err != nil {
			return "", nil, err
		}
		switch f.Op {
		case docstore.OpEq:
			raw, err := json.Marshal(v)
			if err != nil {
				return "", nil, err
			}
			args = append(args, path, string(raw))
			fmt.Fprintf(&b, ` AND data #> $%d::text[] = $%d::jsonb`, len(args)-1, len(args))
		case docstore.OpArrayContains:
			raw, err := json.Marshal([]any{v})
			if err != nil {
				return "", nil, err
			}
			args = append(args, path, string(raw))
			fmt.Fprintf(&b, ` AND jsonb_typeof(data #> $%d::text[]) = 'array' AND data #> $%d::text[] @> $%d::jsonb`,
				len(args)-1, len(args)-1, len(args))
		default:
			return "", nil, fmt.Errorf("docstore: unsupported operator %q", f.Op)
		}
	}
	// LimitToLast: читаем в обратном порядке и разворачиваем результат.
	desc := q.Desc
	if q.LimitToLast && q.Limit > 0 {
		desc = !desc
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	if q.OrderBy != "" {
		path, err := docstore.SplitPath(q.OrderBy)
		if err != nil {
			return "", nil, err
		}
		args = append(args, path)
		n := len(args)
		fmt.Fprintf(&b, ` AND data #> $%d::text[] IS NOT NULL ORDER BY data #> $%d::text[] %s, id %s`, n, n, dir, dir)
	} else {
		fmt.Fprintf(&b, ` ORDER BY id %s`, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, ` LIMIT %d`, q.Limit)
	}
	return b.String(), args, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	defer logger.DeferLogDuration("docstore.Query", time.Now())()
	sql, args, err := buildQuery(q)
	if err != nil {
		return nil, fmt.Errorf("docstore.Query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore.Query: %w", err)
	}
	defer rows.Close()
	docs := make([]docstore.Document, 0)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("docstore.Query scan: %w", err)
		}
		data, err := decode(raw)
		if err != nil {
			logger.Errorf("docstore.Query: skip %s/%s: %v", q.Collection, id, err)
			continue
		}
		docs = append(docs, docstore.Document{ID: id, Collection: q.Collection, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore.Query: %w", err)
	}
	if q.LimitToLast && q.Limit > 0 {
		for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
	}
	return docs, nil
}

func (s *Store) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := uuid.New().String()
	if err := s.Create(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

type writeMode int

const (
	modeCreate writeMode = iota
	modeSet
	modeUpdate
)

func (s *Store) Create(ctx context.Context, collection, id string, data map[string]any) error {
	defer logger.DeferLogDuration("docstore.Create", time.Now())()
	return s.mutate(ctx, collection, id, modeCreate, func(_ map[string]any, now time.Time) (map[string]any, error) {
		return docstore.ResolveWrite(data, now)
	})
}

func (s *Store) Set(ctx context.Context, collection, id string, data map[string]any) error {
	defer logger.DeferLogDuration("docstore.Set", time.Now())()
	return s.mutate(ctx, collection, id, modeSet, func(_ map[string]any, now time.Time) (map[string]any, error) {
		return docstore.ResolveWrite(data, now)
	})
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	defer logger.DeferLogDuration("docstore.Update", time.Now())()
	return s.mutate(ctx, collection, id, modeUpdate, func(cur map[string]any, now time.Time) (map[string]any, error) {
		return docstore.ApplyUpdate(cur, fields, now)
	})
}

// mutate читает документ под FOR UPDATE, применяет изменение в Go и пишет обратно в одной транзакции.
// ServerTimestamp берётся из часов базы.
func (s *Store) mutate(ctx context.Context, collection, id string, mode writeMode, fn func(cur map[string]any, now time.Time) (map[string]any, error)) error {
	if id == "" {
		return fmt.Errorf("%s: empty document id", collection)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("docstore.mutate: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var nowMs int64
	if err := tx.QueryRow(ctx,
		`SELECT (extract(epoch FROM clock_timestamp()) * 1000)::bigint`,
	).Scan(&nowMs); err != nil {
		return fmt.Errorf("docstore.mutate: clock: %w", err)
	}
	now := time.UnixMilli(nowMs)

	var raw []byte
	exists := true
	err = tx.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`, collection, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("docstore.mutate: select: %w", err)
	}

	switch {
	case mode == modeCreate && exists:
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrAlreadyExists)
	case mode == modeUpdate && !exists:
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}

	var cur map[string]any
	if exists {
		if cur, err = decode(raw); err != nil {
			return fmt.Errorf("docstore.mutate: decode %s/%s: %w", collection, id, err)
		}
	}
	next, err := fn(cur, now)
	if err != nil {
		return err
	}
	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("docstore.mutate: encode: %w", err)
	}

	if exists {
		_, err = tx.Exec(ctx,
			`UPDATE documents SET data = $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2`,
			collection, id, string(body))
	} else {
		var tag pgconn.CommandTag
		tag, err = tx.Exec(ctx,
			`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb)
			 ON CONFLICT (collection, id) DO NOTHING`,
			collection, id, string(body))
		if err == nil && tag.RowsAffected() == 0 {
			// Параллельная вставка между SELECT и INSERT.
			return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrAlreadyExists)
		}
	}
	if err != nil {
		return fmt.Errorf("docstore.mutate: write: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, collection); err != nil {
		return fmt.Errorf("docstore.mutate: notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("docstore.mutate: commit: %w", err)
	}
	s.feed.Notify(collection)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	defer logger.DeferLogDuration("docstore.Delete", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("docstore.Delete: %w", err)
	}
	defer tx.Rollback(ctx)
	tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return fmt.Errorf("docstore.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, collection); err != nil {
		return fmt.Errorf("docstore.Delete: notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("docstore.Delete: commit: %w", err)
	}
	s.feed.Notify(collection)
	return nil
}

func (s *Store) Watch(ctx context.Context, q docstore.Query, fn docstore.SnapshotFunc) (docstore.Subscription, error) {
	return docstore.WatchQuery(ctx, s.feed, s, q, fn)
}

func (s *Store) WatchDocument(ctx context.Context, collection, id string, fn docstore.DocumentFunc) (docstore.Subscription, error) {
	return docstore.WatchDoc(ctx, s.feed, s, collection, id, fn)
}

// Close останавливает слушателя и подписки. Пул закрывает владелец.
func (s *Store) Close() error {
	s.cancel()
	<-s.done
	s.feed.Close()
	return nil
}

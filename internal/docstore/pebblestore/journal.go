// Package pebblestore хранит документы in-memory хранилища на диске (cockroachdb/pebble),
// чтобы режим разработки без Postgres переживал рестарт.
package pebblestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"

	"github.com/socialchat/internal/docstore/memory"
	"github.com/socialchat/internal/logger"
)

// Ключ: "doc:" + collection + 0x00 + id, значение: JSON документа.
const keyPrefix = "doc:"

type Journal struct {
	db *pebble.DB
}

var _ memory.Journal = (*Journal)(nil)

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("pebblestore.Open: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebblestore.Open: %w", err)
	}
	return &Journal{db: db}, nil
}

func key(collection, id string) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(collection)+1+len(id))
	k = append(k, keyPrefix...)
	k = append(k, collection...)
	k = append(k, 0)
	k = append(k, id...)
	return k
}

func (j *Journal) Put(collection, id string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("pebblestore.Put: %w", err)
	}
	return j.db.Set(key(collection, id), raw, pebble.Sync)
}

func (j *Journal) Remove(collection, id string) error {
	return j.db.Delete(key(collection, id), pebble.Sync)
}

// Replay отдаёт все сохранённые документы в fn.
func (j *Journal) Replay(fn func(collection, id string, data map[string]any)) (int, error) {
	it, err := j.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, fmt.Errorf("pebblestore.Replay: %w", err)
	}
	defer it.Close()
	prefix := []byte(keyPrefix)
	n := 0
	for ok := it.SeekGE(prefix); ok; ok = it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		rest := k[len(prefix):]
		sep := bytes.IndexByte(rest, 0)
		if sep < 0 {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(it.Value(), &data); err != nil {
			logger.Errorf("pebblestore: skip %q: %v", rest, err)
			continue
		}
		fn(string(rest[:sep]), string(rest[sep+1:]), data)
		n++
	}
	return n, it.Error()
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// OpenStore открывает журнал, восстанавливает из него in-memory хранилище и подключает запись.
func OpenStore(path string, opts ...memory.Option) (*memory.Store, *Journal, error) {
	j, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	s := memory.New(append(opts, memory.WithJournal(j))...)
	n, err := j.Replay(s.Load)
	if err != nil {
		_ = j.Close()
		return nil, nil, err
	}
	logger.Infof("pebblestore: restored %d documents from %s", n, path)
	return s, j, nil
}

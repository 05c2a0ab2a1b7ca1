package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/socialchat/internal/docstore"
)

func fixedClock() func() time.Time {
	t := time.UnixMilli(1700000000000)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock()))
	defer s.Close()

	if err := s.Create(ctx, "users", "alice", map[string]any{"displayName": "Alice"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, "users", "alice", map[string]any{}); !errors.Is(err, docstore.ErrAlreadyExists) {
		t.Fatalf("second Create: err = %v", err)
	}
	if err := s.Update(ctx, "users", "nobody", map[string]any{"x": 1}); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Update missing: err = %v", err)
	}
	if err := s.Update(ctx, "users", "alice", map[string]any{"blockedUsers": docstore.ArrayUnion("bob")}); err != nil {
		t.Fatal(err)
	}
	d, err := s.Get(ctx, "users", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := d.Field("blockedUsers"); len(got.([]any)) != 1 {
		t.Fatalf("blockedUsers = %v", got)
	}
	// Снимок не связан с данными хранилища.
	d.Data["displayName"] = "changed"
	d2, _ := s.Get(ctx, "users", "alice")
	if d2.Data["displayName"] != "Alice" {
		t.Fatal("Get returned shared map")
	}

	id, err := s.Add(ctx, "notes", map[string]any{"n": 1})
	if err != nil || id == "" {
		t.Fatalf("Add: id=%q err=%v", id, err)
	}
	if err := s.Delete(ctx, "notes", id); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "notes", id); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Get(ctx, "notes", id); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Get deleted: err = %v", err)
	}
}

func TestWatchDeliversSnapshots(t *testing.T) {
	ctx := context.Background()
	s := New(WithClock(fixedClock()))
	defer s.Close()

	snaps := make(chan []docstore.Document, 16)
	sub, err := s.Watch(ctx, docstore.Query{Collection: "m", OrderBy: "createdAt"}, func(docs []docstore.Document, err error) {
		if err != nil {
			t.Errorf("snapshot error: %v", err)
			return
		}
		snaps <- docs
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Stop()

	if got := next(t, snaps); len(got) != 0 {
		t.Fatalf("initial snapshot = %v", got)
	}
	if err := s.Create(ctx, "m", "2", map[string]any{"createdAt": docstore.ServerTimestamp}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, "m", "1", map[string]any{"createdAt": docstore.ServerTimestamp}); err != nil {
		t.Fatal(err)
	}
	var got []docstore.Document
	for len(got) < 2 {
		got = next(t, snaps)
	}
	// Порядок по времени сервера, а не по id.
	if got[0].ID != "2" || got[1].ID != "1" {
		t.Fatalf("order = %s,%s", got[0].ID, got[1].ID)
	}
	if err := s.Delete(ctx, "m", "2"); err != nil {
		t.Fatal(err)
	}
	for len(got) != 1 {
		got = next(t, snaps)
	}
	if got[0].ID != "1" {
		t.Fatalf("after delete = %v", got[0].ID)
	}
}

func TestWatchDocumentAndStop(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	docs := make(chan *docstore.Document, 16)
	sub, err := s.WatchDocument(ctx, "users", "bob", func(d *docstore.Document, err error) {
		docs <- d
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-docs:
		if d != nil {
			t.Fatalf("initial = %v, want nil", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}
	if err := s.Set(ctx, "users", "bob", map[string]any{"online": true}); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-docs:
		if d == nil || d.Data["online"] != true {
			t.Fatalf("got %v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	sub.Stop()
	sub.Stop()
	docstore.Stop(nil, sub)
	deadline := time.Now().Add(time.Second)
	for s.Feed().Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := s.Feed().Active(); n != 0 {
		t.Fatalf("active subscriptions after Stop = %d", n)
	}
}

type failingJournal struct{}

func (failingJournal) Put(string, string, map[string]any) error { return errors.New("disk full") }
func (failingJournal) Remove(string, string) error              { return errors.New("disk full") }

func TestJournalFailureAbortsWrite(t *testing.T) {
	ctx := context.Background()
	s := New(WithJournal(failingJournal{}))
	defer s.Close()
	if err := s.Set(ctx, "users", "a", map[string]any{}); err == nil {
		t.Fatal("expected journal error")
	}
	if _, err := s.Get(ctx, "users", "a"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("document applied despite journal error: %v", err)
	}
}

func next(t *testing.T, ch <-chan []docstore.Document) []docstore.Document {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

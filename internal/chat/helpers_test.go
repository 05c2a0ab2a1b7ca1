package chat_test

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/model"
)

// recordingStore запоминает все Update, чтобы считать записи флагов.
type recordingStore struct {
	docstore.Store
	mu      sync.Mutex
	updates []update
}

type update struct {
	collection string
	id         string
	fields     map[string]any
}

func (s *recordingStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	s.updates = append(s.updates, update{collection: collection, id: id, fields: fields})
	s.mu.Unlock()
	return s.Store.Update(ctx, collection, id, fields)
}

// count считает обновления поля field со значением v.
func (s *recordingStore) count(field string, v any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if got, ok := u.fields[field]; ok && got == v {
			n++
		}
	}
	return n
}

// gatedStore задерживает выборку галереи (createdAt по убыванию) до закрытия release.
type gatedStore struct {
	docstore.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(s docstore.Store) *gatedStore {
	return &gatedStore{Store: s, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedStore) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if q.OrderBy == "createdAt" && q.Desc {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.Store.Query(ctx, q)
}

type fakeTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeTimers срабатывают только по FireAll.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(_ time.Duration, f func()) chat.Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) FireAll() {
	ft.mu.Lock()
	timers := append([]*fakeTimer(nil), ft.timers...)
	ft.mu.Unlock()
	for _, t := range timers {
		t.mu.Lock()
		run := !t.stopped && !t.fired
		t.fired = true
		t.mu.Unlock()
		if run {
			t.f()
		}
	}
}

func (ft *fakeTimers) Pending() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, t := range ft.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// recorder: наблюдатель, сохраняющий последнее состояние.
type recorder struct {
	mu              sync.Mutex
	convs           []model.ConversationView
	messages        map[string][]model.Message
	presence        map[string]model.Presence
	presenceUpdates int
	media           map[string][]chat.MediaItem
	mediaLoads      int
	blocked         []string
	states          []chat.State
	notices         []chat.Notice
}

func newRecorder() *recorder {
	return &recorder{
		messages: make(map[string][]model.Message),
		presence: make(map[string]model.Presence),
		media:    make(map[string][]chat.MediaItem),
	}
}

func (r *recorder) ConversationsChanged(list []model.ConversationView) {
	r.mu.Lock()
	r.convs = list
	r.mu.Unlock()
}

func (r *recorder) MessagesChanged(id string, msgs []model.Message) {
	r.mu.Lock()
	r.messages[id] = msgs
	r.mu.Unlock()
}

func (r *recorder) PresenceChanged(id string, p model.Presence) {
	r.mu.Lock()
	r.presence[id] = p
	r.presenceUpdates++
	r.mu.Unlock()
}

func (r *recorder) MediaLoaded(id string, items []chat.MediaItem) {
	r.mu.Lock()
	r.media[id] = items
	r.mediaLoads++
	r.mu.Unlock()
}

// MediaLoads считает доставленные наблюдателю галереи.
func (r *recorder) MediaLoads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mediaLoads
}

func (r *recorder) BlockedChanged(blocked []string) {
	r.mu.Lock()
	r.blocked = blocked
	r.mu.Unlock()
}

func (r *recorder) StateChanged(_ string, s chat.State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) Notice(n chat.Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) Conversations() []model.ConversationView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convs
}

func (r *recorder) Messages(id string) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[id]
}

func (r *recorder) Presence(id string) model.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence[id]
}

// PresenceUpdates считает снимки профиля собеседника.
func (r *recorder) PresenceUpdates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceUpdates
}

func (r *recorder) States() []chat.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.State(nil), r.states...)
}

func (r *recorder) Notices() []chat.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Notice(nil), r.notices...)
}

type fakeUploader struct {
	url string
	err error
}

func (u fakeUploader) Upload(_ context.Context, _ string, r io.Reader) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	_, _ = io.Copy(io.Discard, r)
	return u.url, nil
}

type pushed struct {
	UserID string
	N      chat.Notification
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []pushed
}

func (f *fakeNotifier) Notify(_ context.Context, userID string, n chat.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, pushed{UserID: userID, N: n})
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) Sent() []pushed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushed(nil), f.sent...)
}

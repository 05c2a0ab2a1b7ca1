package docstore

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// Feed обслуживает живые подписки бэкенда. Каждая подписка держит горутину, которая
// перевыполняет свою выборку после уведомления об изменении коллекции.
// Уведомления, пришедшие во время выполнения, схлопываются в одно.
type Feed struct {
	mu      sync.Mutex
	watches map[*watch]struct{}
	closed  bool
	wg      sync.WaitGroup
	// OnChange вызывается при изменении числа активных подписок (для метрик).
	OnChange func(active int)
}

type watch struct {
	feed       *Feed
	collection string
	run        func(ctx context.Context)
	notify     chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
}

func NewFeed() *Feed {
	return &Feed{watches: make(map[*watch]struct{})}
}

// Watch регистрирует подписку на коллекцию. run вызывается сразу (начальный снимок)
// и затем после каждого Notify(collection). Подписка живёт до Stop, отмены ctx или Close.
func (f *Feed) Watch(ctx context.Context, collection string, run func(ctx context.Context)) (Subscription, error) {
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{
		feed:       f,
		collection: collection,
		run:        run,
		notify:     make(chan struct{}, 1),
		ctx:        wctx,
		cancel:     cancel,
	}
	w.notify <- struct{}{}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	f.watches[w] = struct{}{}
	active := len(f.watches)
	f.wg.Add(1)
	f.mu.Unlock()

	f.changed(active)
	go w.loop()
	return w, nil
}

func (w *watch) loop() {
	defer w.feed.wg.Done()
	defer w.feed.remove(w)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.notify:
			if w.ctx.Err() != nil {
				return
			}
			w.run(w.ctx)
		}
	}
}

// Stop отсоединяет подписку. Не ждёт завершения текущего снимка.
func (w *watch) Stop() {
	w.once.Do(w.cancel)
}

func (f *Feed) remove(w *watch) {
	f.mu.Lock()
	delete(f.watches, w)
	active := len(f.watches)
	f.mu.Unlock()
	f.changed(active)
}

func (f *Feed) changed(active int) {
	if f.OnChange != nil {
		f.OnChange(active)
	}
}

// Notify будит подписки на коллекцию.
func (f *Feed) Notify(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for w := range f.watches {
		if w.collection == collection {
			w.poke()
		}
	}
}

// NotifyAll будит все подписки (например, после переподключения слушателя).
func (f *Feed) NotifyAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for w := range f.watches {
		w.poke()
	}
}

func (w *watch) poke() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Active возвращает число активных подписок.
func (f *Feed) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches)
}

// Close останавливает все подписки и ждёт их горутины.
// Нельзя вызывать из колбэка подписки.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for w := range f.watches {
		w.cancel()
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// WatchQuery строит живой запрос поверх одноразового Query бэкенда.
// Снимок, совпадающий с предыдущим доставленным, не отправляется.
func WatchQuery(ctx context.Context, f *Feed, s Store, q Query, fn SnapshotFunc) (Subscription, error) {
	var (
		last      []Document
		delivered bool
	)
	return f.Watch(ctx, q.Collection, func(ctx context.Context) {
		docs, err := s.Query(ctx, q)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			fn(nil, err)
			return
		}
		if delivered && reflect.DeepEqual(last, docs) {
			return
		}
		last, delivered = docs, true
		fn(docs, nil)
	})
}

// WatchDoc строит живую подписку на документ поверх Get бэкенда.
func WatchDoc(ctx context.Context, f *Feed, s Store, collection, id string, fn DocumentFunc) (Subscription, error) {
	var (
		last      *Document
		delivered bool
	)
	return f.Watch(ctx, collection, func(ctx context.Context) {
		doc, err := s.Get(ctx, collection, id)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrNotFound) {
			doc, err = nil, nil
		}
		if err != nil {
			fn(nil, err)
			return
		}
		if delivered && reflect.DeepEqual(last, doc) {
			return
		}
		last, delivered = doc, true
		fn(doc, nil)
	})
}

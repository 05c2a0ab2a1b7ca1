package push

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/storage"
	"github.com/socialchat/internal/storage/memory"
)

func subscription(endpoint string) storage.PushSubscription {
	var s storage.PushSubscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p256"
	s.Keys.Auth = "auth"
	return s
}

type fakeSend struct {
	mu       sync.Mutex
	status   map[string]int
	payloads []string
}

func (f *fakeSend) send(_ context.Context, payload []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, string(payload))
	code := http.StatusCreated
	if c, ok := f.status[sub.Endpoint]; ok {
		code = c
	}
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func newTestSender(reg storage.PushRegistry, f *fakeSend) *Sender {
	s := NewSender(reg, &VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"}, "test", nil)
	s.send = f.send
	return s
}

func TestSenderDropsGoneSubscriptions(t *testing.T) {
	ctx := context.Background()
	reg := memory.New()
	_ = reg.AddPushSubscription(ctx, "bob", subscription("https://push/live"))
	_ = reg.AddPushSubscription(ctx, "bob", subscription("https://push/gone"))
	f := &fakeSend{status: map[string]int{"https://push/gone": http.StatusGone}}
	s := newTestSender(reg, f)

	sent, err := s.Send(ctx, NotifyRequest{UserID: "bob", Title: "Alice", Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("sent = %d", sent)
	}
	subs, _ := reg.PushSubscriptions(ctx, "bob")
	if len(subs) != 1 || subs[0].Endpoint != "https://push/live" {
		t.Fatalf("subs = %+v", subs)
	}
	if !strings.Contains(f.payloads[0], `"body":"hello"`) {
		t.Errorf("payload = %s", f.payloads[0])
	}
}

func TestSenderWithoutKeysKeepsQuiet(t *testing.T) {
	ctx := context.Background()
	reg := memory.New()
	_ = reg.AddPushSubscription(ctx, "bob", subscription("https://push/1"))
	s := NewSender(reg, nil, "test", nil)
	if s.Enabled() {
		t.Fatal("enabled without keys")
	}
	sent, err := s.Send(ctx, NotifyRequest{UserID: "bob"})
	if err != nil || sent != 0 {
		t.Fatalf("sent=%d err=%v", sent, err)
	}
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	reg := memory.New()
	f := &fakeSend{}
	srv := NewServer(newTestSender(reg, f), "pub")

	r := chi.NewRouter()
	r.Get("/api/vapid-public", srv.VAPIDPublic)
	r.Post("/api/subscribe", srv.Subscribe)
	r.Delete("/api/subscribe", srv.Unsubscribe)
	r.Post("/api/notify", srv.Notify)
	ts := httptest.NewServer(r)
	defer ts.Close()

	var observed []error
	c := NewClient(ts.URL, func(err error) { observed = append(observed, err) })
	if err := c.Subscribe(ctx, "bob", subscription("https://push/a")); err != nil {
		t.Fatal(err)
	}
	if err := c.Notify(ctx, "bob", chat.Notification{ConversationID: "c1", Title: "Alice", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(f.payloads) != 1 || !strings.Contains(f.payloads[0], `"conversationId":"c1"`) {
		t.Fatalf("payloads = %v", f.payloads)
	}
	if len(observed) != 1 || observed[0] != nil {
		t.Errorf("observed = %v", observed)
	}
	if err := c.Unsubscribe(ctx, "bob", "https://push/a"); err != nil {
		t.Fatal(err)
	}
	if subs, _ := reg.PushSubscriptions(ctx, "bob"); len(subs) != 0 {
		t.Fatalf("subs after unsubscribe = %+v", subs)
	}

	if err := c.Subscribe(ctx, "bob", storage.PushSubscription{Endpoint: "x"}); err == nil {
		t.Fatal("subscription without keys accepted")
	}
}

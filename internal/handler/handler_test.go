package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/docstore/memory"
	"github.com/socialchat/internal/fileserver"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage"
	memstorage "github.com/socialchat/internal/storage/memory"
	"github.com/socialchat/internal/ws"
)

type fakeCloser struct{ closed []string }

func (f *fakeCloser) CloseUser(uid string) int {
	f.closed = append(f.closed, uid)
	return 1
}

type fakeSubscriber struct {
	subs  map[string]storage.PushSubscription
	unsub []string
}

func (f *fakeSubscriber) Subscribe(_ context.Context, uid string, s storage.PushSubscription) error {
	f.subs[uid] = s
	return nil
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, uid, endpoint string) error {
	f.unsub = append(f.unsub, uid+" "+endpoint)
	return nil
}

type fakeImages struct {
	err  error
	got  string
	body []byte
}

func (f *fakeImages) SendImage(_ context.Context, uid, conv, name string, r io.Reader) error {
	f.got = uid + " " + conv + " " + name
	f.body, _ = io.ReadAll(r)
	return f.err
}

type env struct {
	docs     *memory.Store
	sessions *memstorage.Client
	closer   *fakeCloser
	subs     *fakeSubscriber
	images   *fakeImages
	router   http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		docs:     memory.New(),
		sessions: memstorage.New(),
		closer:   &fakeCloser{},
		subs:     &fakeSubscriber{subs: map[string]storage.PushSubscription{}},
		images:   &fakeImages{},
	}
	t.Cleanup(func() { e.docs.Close() })

	cfg := config.Default()
	sh := NewSessionHandler(e.sessions, e.docs, e.closer, time.Hour)
	ph := NewPushHandler(e.subs)
	ah := NewAttachmentHandler(e.images, cfg.MaxUploadSize())
	ch := NewConfigHandler(cfg, "BPUB")

	r := chi.NewRouter()
	r.Get("/health", Health)
	r.Post("/api/dev/sessions", sh.CreateDev)
	r.Get("/api/config/push", ch.GetPushConfig)
	r.Get("/api/config/chat", ch.GetChatConfig)
	r.Group(func(r chi.Router) {
		r.Use(middleware.TokenAuth(e.sessions))
		r.Get("/api/sessions/current", sh.Current)
		r.Delete("/api/sessions/current", sh.SignOut)
		r.Post("/api/push/subscribe", ph.Subscribe)
		r.Post("/api/push/unsubscribe", ph.Unsubscribe)
		r.Post("/api/conversations/{id}/images", ah.SendImage)
	})
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) signIn(t *testing.T, uid string) string {
	t.Helper()
	body := fmt.Sprintf(`{"user_id":%q,"display_name":"User %s"}`, uid, uid)
	rec := e.do(t, http.MethodPost, "/api/dev/sessions", "", bytes.NewBufferString(body), "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("dev session: %d %s", rec.Code, rec.Body.String())
	}
	var resp SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Token
}

func TestDevSessionCreatesProfile(t *testing.T) {
	e := newEnv(t)
	token := e.signIn(t, "alice")
	if token == "" {
		t.Fatal("empty token")
	}
	doc, err := e.docs.Get(context.Background(), model.CollectionUsers, "alice")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	p, err := model.DecodeProfile(*doc)
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "User alice" || p.Online {
		t.Fatalf("profile = %+v", p)
	}

	rec := e.do(t, http.MethodGet, "/api/sessions/current", token, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("current: %d", rec.Code)
	}
	var cur SessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &cur)
	if cur.UserID != "alice" || cur.Token != "" {
		t.Fatalf("current = %+v", cur)
	}

	// повторный вход обновляет имя, не трогая блок-лист
	_ = e.docs.Update(context.Background(), model.CollectionUsers, "alice", map[string]any{"blockedUsers": []any{"bob"}})
	e.do(t, http.MethodPost, "/api/dev/sessions", "", bytes.NewBufferString(`{"user_id":"alice","display_name":"Al"}`), "application/json")
	doc, _ = e.docs.Get(context.Background(), model.CollectionUsers, "alice")
	p, _ = model.DecodeProfile(*doc)
	if p.DisplayName != "Al" || !p.HasBlocked("bob") {
		t.Fatalf("profile after re-login = %+v", p)
	}
}

func TestDevSessionValidation(t *testing.T) {
	e := newEnv(t)
	for _, body := range []string{`{`, `{"user_id":""}`, `{"user_id":"a/b"}`} {
		rec := e.do(t, http.MethodPost, "/api/dev/sessions", "", bytes.NewBufferString(body), "application/json")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d", body, rec.Code)
		}
	}
}

func TestSignOutRevokesTokenAndClosesSockets(t *testing.T) {
	e := newEnv(t)
	token := e.signIn(t, "bob")

	rec := e.do(t, http.MethodDelete, "/api/sessions/current", token, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("sign out: %d", rec.Code)
	}
	if len(e.closer.closed) != 1 || e.closer.closed[0] != "bob" {
		t.Fatalf("closed = %v", e.closer.closed)
	}
	rec = e.do(t, http.MethodGet, "/api/sessions/current", token, nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("after sign out: %d", rec.Code)
	}
}

func TestPushSubscribe(t *testing.T) {
	e := newEnv(t)
	token := e.signIn(t, "alice")

	rec := e.do(t, http.MethodPost, "/api/push/subscribe", token,
		bytes.NewBufferString(`{"subscription":{"endpoint":"https://push.example/1"}}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("without keys: %d", rec.Code)
	}
	rec = e.do(t, http.MethodPost, "/api/push/subscribe", token,
		bytes.NewBufferString(`{"subscription":{"endpoint":"https://push.example/1","keys":{"p256dh":"p","auth":"a"}}}`), "application/json")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("subscribe: %d %s", rec.Code, rec.Body.String())
	}
	if e.subs.subs["alice"].Endpoint != "https://push.example/1" {
		t.Fatalf("subs = %+v", e.subs.subs)
	}
	rec = e.do(t, http.MethodPost, "/api/push/unsubscribe", token,
		bytes.NewBufferString(`{"endpoint":"https://push.example/1"}`), "application/json")
	if rec.Code != http.StatusNoContent || len(e.subs.unsub) != 1 {
		t.Fatalf("unsubscribe: %d %v", rec.Code, e.subs.unsub)
	}
}

func TestPushRequiresSession(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/push/subscribe", "nope", bytes.NewBufferString(`{}`), "application/json")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestConfig(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/config/push", "", nil, "")
	var push map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &push)
	if push["enabled"] != true || push["vapid_public_key"] != "BPUB" {
		t.Fatalf("push config = %v", push)
	}
	rec = e.do(t, http.MethodGet, "/api/config/chat", "", nil, "")
	var chatCfg map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &chatCfg)
	if chatCfg["typing_timeout_ms"] != float64(2000) || chatCfg["message_window"] != float64(50) {
		t.Fatalf("chat config = %v", chatCfg)
	}
	rec = e.do(t, http.MethodGet, "/health", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func imageForm(t *testing.T, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(data)
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestSendImage(t *testing.T) {
	e := newEnv(t)
	token := e.signIn(t, "alice")
	png := []byte("\x89PNG\r\n\x1a\nrest")

	body, ct := imageForm(t, "cat.png", png)
	rec := e.do(t, http.MethodPost, "/api/conversations/c1/images", token, body, ct)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("send image: %d %s", rec.Code, rec.Body.String())
	}
	if e.images.got != "alice c1 cat.png" || !bytes.Equal(e.images.body, png) {
		t.Fatalf("got %q %q", e.images.got, e.images.body)
	}

	rec = e.do(t, http.MethodPost, "/api/conversations/c1/images", token, bytes.NewBufferString("x"), "text/plain")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("without file: %d", rec.Code)
	}
}

func TestAttachmentStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ws.ErrNoActiveConversation, http.StatusConflict},
		{chat.ErrNotLive, http.StatusConflict},
		{chat.ErrBlocked, http.StatusForbidden},
		{chat.ErrNoUploader, http.StatusServiceUnavailable},
		{fmt.Errorf("upload x: %w", fileserver.ErrNotAllowed), http.StatusUnsupportedMediaType},
		{fmt.Errorf("upload x: %w", fileserver.ErrTooLarge), http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got, _ := attachmentStatus(tc.err); got != tc.want {
			t.Errorf("%v: got %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewWSHandler(nil, "https://a.example, https://b.example")
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://b.example")
	if !h.checkOrigin(req) {
		t.Fatal("listed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example")
	if h.checkOrigin(req) {
		t.Fatal("foreign origin accepted")
	}
}

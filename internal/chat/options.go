package chat

import (
	"context"
	"io"
	"time"

	"github.com/socialchat/internal/model"
)

// Session: текущий пользователь, которого выдаёт провайдер идентичности.
type Session struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Uploader загружает вложение и возвращает публичный URL.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// Notification: push-уведомление собеседнику о новом сообщении.
type Notification struct {
	ConversationID string
	Title          string
	Body           string
}

// Notifier доставляет уведомления. Ошибки только логируются.
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// ConfirmFunc спрашивает пользователя перед удалением сообщения.
type ConfirmFunc func(ctx context.Context, m model.Message) bool

// Timer: остановимый таймер; *time.Timer подходит.
type Timer interface {
	Stop() bool
}

// Timers создаёт таймеры дебаунса набора текста. В тестах подменяется.
type Timers interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Metrics получает результат каждой записи контроллера.
type Metrics interface {
	Write(op string, err error)
}

type realTimers struct{}

func (realTimers) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type nopMetrics struct{}

func (nopMetrics) Write(string, error) {}

type options struct {
	uploader      Uploader
	notifier      Notifier
	confirm       ConfirmFunc
	timers        Timers
	now           func() time.Time
	metrics       Metrics
	typingTimeout time.Duration
	window        int
	mediaLimit    int
	pairKeys      bool
}

func defaultOptions() options {
	return options{
		confirm:       func(context.Context, model.Message) bool { return true },
		timers:        realTimers{},
		now:           time.Now,
		metrics:       nopMetrics{},
		typingTimeout: 2 * time.Second,
		window:        50,
		mediaLimit:    100,
	}
}

type Option func(*options)

func WithUploader(u Uploader) Option {
	return func(o *options) { o.uploader = u }
}

func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func WithConfirm(f ConfirmFunc) Option {
	return func(o *options) {
		if f != nil {
			o.confirm = f
		}
	}
}

func WithTimers(t Timers) Option {
	return func(o *options) {
		if t != nil {
			o.timers = t
		}
	}
}

// WithClock задаёт часы для подписей присутствия.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithTypingTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.typingTimeout = d
		}
	}
}

// WithMessageWindow: сколько последних сообщений держит живая выборка.
func WithMessageWindow(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.window = n
		}
	}
}

func WithMediaLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mediaLimit = n
		}
	}
}

// WithPairKeys включает детерминированные id диалогов по паре участников:
// параллельное создание диалога с двух сторон даёт один документ.
func WithPairKeys(on bool) Option {
	return func(o *options) { o.pairKeys = on }
}

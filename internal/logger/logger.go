// Package logger предоставляет логирование с префиксом сервиса поверх zap.
// Поддерживается логирование времени выполнения функций.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// slowThreshold: вызовы дольше этого порога логируются и при LOG_LEVEL=info.
const slowThreshold = 100 * time.Millisecond

var (
	mu     sync.RWMutex
	base   *zap.Logger
	sugar  *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	once   sync.Once
	prefix string
)

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func initLogger() {
	level.SetLevel(levelFromEnv())
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoding := "console"
	if os.Getenv("APP_ENV") == "production" {
		encoding = "json"
	}
	cfg := zap.Config{
		Level:            level,
		Encoding:         encoding,
		EncoderConfig:    encCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	// Caller: место вызова пакетной функции, а не этот файл.
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	base = l
	sugar = l.Sugar()
}

// useCore подменяет вывод (в тестах). Опции те же, что у initLogger.
func useCore(core zapcore.Core) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	base = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	sugar = base.Sugar()
}

func get() *zap.SugaredLogger {
	once.Do(initLogger)
	mu.RLock()
	defer mu.RUnlock()
	if prefix != "" {
		return sugar.Named(prefix)
	}
	return sugar
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "gateway", "files").
func SetPrefix(p string) {
	once.Do(initLogger)
	mu.Lock()
	prefix = p
	mu.Unlock()
}

// SetLevel переопределяет уровень из конфигурации ("debug", "info", "warn", "error").
func SetLevel(l string) {
	once.Do(initLogger)
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(l)))); err != nil {
		return
	}
	level.SetLevel(lv)
}

// Sync сбрасывает буферы; вызывается перед выходом процесса.
func Sync() {
	once.Do(initLogger)
	_ = base.Sync()
}

// Info пишет информационное сообщение.
func Info(v ...any) {
	get().Info(v...)
}

// Infof форматирует и пишет информационное сообщение.
func Infof(format string, v ...any) {
	get().Infof(format, v...)
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	get().Debugf(format, v...)
}

// Error пишет ошибку.
func Error(v ...any) {
	get().Error(v...)
}

// Errorf форматирует ошибку.
func Errorf(format string, v ...any) {
	get().Errorf(format, v...)
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// При уровне info логирует только вызовы дольше 100ms; при debug: все.
func LogDuration(fn string, start time.Time) {
	logDuration(fn, start)
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("store.Query", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { logDuration(fn, start) }
}

// logDuration вызывается ровно на один кадр глубже пакетных функций.
func logDuration(fn string, start time.Time) {
	l := get().WithOptions(zap.AddCallerSkip(1))
	elapsed := time.Since(start)
	if elapsed >= slowThreshold {
		l.Infow("slow call", "fn", fn, "duration_ms", elapsed.Milliseconds())
		return
	}
	l.Debugw("call", "fn", fn, "duration_ms", elapsed.Milliseconds())
}

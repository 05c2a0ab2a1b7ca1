// Шлюз мессенджера: WebSocket-сессии поверх хранилища документов,
// загрузка картинок, пуш-подписки, метрики.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/socialchat/internal/chat"
	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/docstore"
	"github.com/socialchat/internal/docstore/memory"
	"github.com/socialchat/internal/docstore/pebblestore"
	pgstore "github.com/socialchat/internal/docstore/postgres"
	"github.com/socialchat/internal/fileserver"
	"github.com/socialchat/internal/handler"
	"github.com/socialchat/internal/ids"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/media"
	"github.com/socialchat/internal/metrics"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/push"
	"github.com/socialchat/internal/startup"
	"github.com/socialchat/internal/storage"
	"github.com/socialchat/internal/storage/devstore"
	memstorage "github.com/socialchat/internal/storage/memory"
	"github.com/socialchat/internal/ws"
)

// sessionBackend: сессии, rate limit и реестр пуш-подписок.
type sessionBackend interface {
	storage.SessionStore
	storage.PushRegistry
}

// pushBackend: уведомления для контроллера и подписки для HTTP.
type pushBackend interface {
	chat.Notifier
	handler.Subscriber
}

func main() {
	logger.SetPrefix("gateway")
	configPath := flag.String("config", "", "path to YAML config")
	dev := flag.Bool("dev", false, "development mode: embedded PostgreSQL, dev sessions")
	migrate := flag.Bool("migrate", false, "apply docstore migrations and exit")
	node := flag.Int64("node", 0, "snowflake node id (0..1023)")
	flag.Parse()

	if err := run(*configPath, *dev, *migrate, *node); err != nil {
		logger.Errorf("gateway: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(configPath string, dev, migrateOnly bool, node int64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	if err := ids.Init(node); err != nil {
		return fmt.Errorf("snowflake node %d: %w", node, err)
	}
	logger.Infof("starting gateway: docstore=%s dev=%v", cfg.Docstore.Backend, dev)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	docs, feed, closeDocs, err := openDocstore(ctx, cfg, dev, migrateOnly)
	if err != nil {
		return err
	}
	defer closeDocs()
	if migrateOnly {
		return nil
	}
	if feed != nil {
		feed.OnChange = m.Subscriptions
	}

	sessions, err := openSessions(ctx, cfg, docs, dev)
	if err != nil {
		return err
	}
	defer sessions.Close()

	fileSvc := fileserver.New(cfg.Uploads.Dir, cfg.MaxUploadSize())
	var uploader media.Uploader = media.NewLocal(fileSvc)
	if cfg.Uploads.ServiceURL != "" {
		uploader = media.NewRemote(cfg.Uploads.ServiceURL)
	}

	pusher, vapidPublic := openPush(cfg, sessions, m)

	chatOpts := []chat.Option{
		chat.WithUploader(media.Counted(uploader, m.Upload)),
		chat.WithMetrics(m),
		chat.WithTypingTimeout(cfg.TypingTimeout()),
		chat.WithMessageWindow(cfg.Chat.MessageWindow),
		chat.WithMediaLimit(cfg.Chat.MediaLimit),
		chat.WithPairKeys(cfg.Chat.PairKeys),
	}
	if pusher != nil {
		chatOpts = append(chatOpts, chat.WithNotifier(pusher))
	}
	factory := func(s chat.Session, obs chat.Observer, confirm chat.ConfirmFunc) *chat.Controller {
		opts := make([]chat.Option, 0, len(chatOpts)+1)
		opts = append(opts, chatOpts...)
		return chat.New(docs, s, obs, append(opts, chat.WithConfirm(confirm))...)
	}

	hub := ws.NewHub(docs, factory,
		ws.WithLimits(ws.Limits{
			SendBuffer:     cfg.WS.SendBufferSize,
			WriteWait:      time.Duration(cfg.WS.WriteTimeout) * time.Second,
			PongWait:       time.Duration(cfg.WS.PongTimeout) * time.Second,
			MaxMessageSize: int64(cfg.WS.MaxMessageSize),
		}),
		ws.WithMaxConns(cfg.WS.MaxConnections),
		ws.WithLimiter(middleware.NewLimiterPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst)),
		ws.WithGauges(m),
	)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	r := newRouter(cfg, routerDeps{
		dev:         dev,
		docs:        docs,
		sessions:    sessions,
		hub:         hub,
		fileSvc:     fileSvc,
		pusher:      pusher,
		vapidPublic: vapidPublic,
		metrics:     m,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  cfg.IdleTimeout(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			hubCancel()
			hubWg.Wait()
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	// Hijacked-соединения Shutdown не ждёт: их закрывает хаб, освобождая контроллеры.
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	return nil
}

type routerDeps struct {
	dev         bool
	docs        docstore.Store
	sessions    sessionBackend
	hub         *ws.Hub
	fileSvc     *fileserver.Service
	pusher      pushBackend
	vapidPublic string
	metrics     *metrics.Metrics
}

func newRouter(cfg *config.Config, d routerDeps) http.Handler {
	wsH := handler.NewWSHandler(d.hub, cfg.CORSAllowedOrigins)
	fileH := handler.NewFileHandler(cfg, d.fileSvc)
	attachH := handler.NewAttachmentHandler(d.hub, cfg.MaxUploadSize())
	sessionH := handler.NewSessionHandler(d.sessions, d.docs, d.hub, cfg.SessionTTL())
	configH := handler.NewConfigHandler(cfg, d.vapidPublic)

	byIP := middleware.NewLimiterPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	byUser := middleware.NewLimiterPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handler.Health)
	r.Handle("/metrics", d.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(byIP, nil))
		r.Get("/api/config/push", configH.GetPushConfig)
		r.Get("/api/config/chat", configH.GetChatConfig)
		r.Get("/api/files/{filename}", fileH.Serve)
		if d.dev {
			r.Post("/api/dev/sessions", sessionH.CreateDev)
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.TokenAuth(d.sessions))
		r.Use(middleware.RateLimit(byIP, byUser))
		r.Get("/api/sessions/current", sessionH.Current)
		r.Delete("/api/sessions/current", sessionH.SignOut)
		r.Post("/api/files/upload", fileH.Upload)
		r.Post("/api/conversations/{id}/images", attachH.SendImage)
		if d.pusher != nil {
			pushH := handler.NewPushHandler(d.pusher)
			r.Post("/api/push/subscribe", pushH.Subscribe)
			r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		}
		r.Get("/ws", wsH.ServeWS)
	})
	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// openDocstore открывает хранилище выбранного бэкенда. Feed нужен для метрики подписок.
func openDocstore(ctx context.Context, cfg *config.Config, dev, migrateOnly bool) (docstore.Store, *docstore.Feed, func(), error) {
	switch cfg.Docstore.Backend {
	case config.BackendMemory:
		s := memory.New()
		return s, s.Feed(), func() { _ = s.Close() }, nil

	case config.BackendPebble:
		if err := os.MkdirAll(filepath.Dir(cfg.Docstore.PebblePath), 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("pebble dir: %w", err)
		}
		s, journal, err := pebblestore.OpenStore(cfg.Docstore.PebblePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("pebble: %w", err)
		}
		return s, s.Feed(), func() {
			_ = s.Close()
			if err := journal.Close(); err != nil {
				logger.Errorf("pebble close: %v", err)
			}
		}, nil
	}

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if dev {
		var err error
		if embeddedDB, err = startEmbeddedPostgres(cfg); err != nil {
			return nil, nil, nil, fmt.Errorf("embedded postgres: %w", err)
		}
	}
	stopEmbedded := func() {
		if embeddedDB == nil {
			return
		}
		logger.Info("stopping embedded postgres...")
		if err := embeddedDB.Stop(); err != nil {
			logger.Errorf("embedded postgres stop: %v", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		stopEmbedded()
		return nil, nil, nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, cfg.ConnectWait())
	if err != nil {
		stopEmbedded()
		return nil, nil, nil, err
	}
	migCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = pgstore.Migrate(migCtx, pool)
	cancel()
	if err != nil {
		pool.Close()
		stopEmbedded()
		return nil, nil, nil, err
	}
	logger.Info("database connected, migrations applied")
	if migrateOnly {
		return nil, nil, func() { pool.Close(); stopEmbedded() }, nil
	}

	s := pgstore.New(pool)
	return s, s.Feed(), func() {
		_ = s.Close()
		pool.Close()
		stopEmbedded()
	}, nil
}

// openSessions: Redis, если задан; иначе память (в -dev сессии в хранилище документов).
func openSessions(ctx context.Context, cfg *config.Config, docs docstore.Store, dev bool) (sessionBackend, error) {
	if cfg.Redis.URL != "" {
		c, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, cfg.ConnectWait())
		if err != nil {
			return nil, err
		}
		logger.Info("redis connected")
		return c, nil
	}
	if dev {
		return devstore.New(docs), nil
	}
	logger.Info("REDIS_URL not set: sessions kept in memory, tokens are lost on restart")
	return memstorage.New(), nil
}

// openPush выбирает доставку уведомлений: микросервис пушей или отправка из шлюза.
// Возвращает nil, если пуши не настроены.
func openPush(cfg *config.Config, registry storage.PushRegistry, m *metrics.Metrics) (pushBackend, string) {
	if cfg.Push.ServiceURL != "" {
		logger.Infof("push: via service %s", cfg.Push.ServiceURL)
		return push.NewClient(cfg.Push.ServiceURL, m.Push), cfg.Push.VAPIDPublicKey
	}
	keys := &push.VAPIDKeys{PublicKey: cfg.Push.VAPIDPublicKey, PrivateKey: cfg.Push.VAPIDPrivateKey}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		if cfg.Push.VAPIDKeysFile == "" {
			logger.Info("push: disabled (no PUSH_SERVICE_URL, no VAPID keys)")
			return nil, ""
		}
		var err error
		if keys, err = push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile); err != nil {
			logger.Errorf("push: VAPID keys: %v, push disabled", err)
			return nil, ""
		}
	}
	logger.Info("push: sending from gateway")
	return push.NewSender(registry, keys, cfg.Push.Subscriber, m.Push), keys.PublicKey
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "socialchat"
		password = "socialchat_secret"
		database = "socialchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}

// Микросервис пуш-уведомлений (Web Push): подписки в Redis, отправка через VAPID.
// Вызывается только шлюзом.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/handler"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/metrics"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/push"
	"github.com/socialchat/internal/startup"
)

func main() {
	logger.SetPrefix("push")
	configPath := flag.String("config", "", "path to YAML config")
	addr := flag.String("addr", ":8082", "listen address")
	genVAPID := flag.Bool("gen-vapid", false, "print a new VAPID key pair and exit")
	flag.Parse()

	if *genVAPID {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", pub)
		logger.Infof("VAPID_PRIVATE_KEY=%s", priv)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("push: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	logger.Info("starting push service")
	if cfg.Redis.URL == "" {
		logger.Error("push: REDIS_URL is required")
		os.Exit(1)
	}

	keys := &push.VAPIDKeys{PublicKey: cfg.Push.VAPIDPublicKey, PrivateKey: cfg.Push.VAPIDPrivateKey}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		if keys, err = push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile); err != nil {
			logger.Infof("VAPID: не удалось загрузить/сгенерировать ключи (%v), push отключены", err)
			keys = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdb, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, cfg.ConnectWait())
	if err != nil {
		logger.Errorf("push: %v", err)
		os.Exit(1)
	}
	defer rdb.Close()
	logger.Info("redis connected")

	m := metrics.New()
	sender := push.NewSender(rdb, keys, cfg.Push.Subscriber, m.Push)
	if !sender.Enabled() {
		logger.Info("VAPID keys not set, подписки сохраняются, отправка не выполняется")
	}
	publicKey := ""
	if keys != nil {
		publicKey = keys.PublicKey
	}
	s := push.NewServer(sender, publicKey)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Get("/health", handler.Health)
	r.Handle("/metrics", m.Handler())
	r.Get("/api/vapid-public", s.VAPIDPublic)
	r.Route("/api", func(r chi.Router) {
		r.Post("/subscribe", s.Subscribe)
		r.Delete("/subscribe", s.Unsubscribe)
		r.Post("/notify", s.Notify)
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Infof("push server listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("push server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("push server stopped")
	logger.Sync()
}

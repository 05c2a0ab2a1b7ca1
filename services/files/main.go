// Микросервис загрузки и раздачи изображений (upload + serve).
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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/fileserver"
	"github.com/socialchat/internal/handler"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/middleware"
)

func main() {
	logger.SetPrefix("files")
	configPath := flag.String("config", "", "path to YAML config")
	addr := flag.String("addr", ":8083", "listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("files: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	logger.Infof("starting files service: upload_dir=%s max_upload_mb=%d", cfg.Uploads.Dir, cfg.Uploads.MaxSizeMB)

	svc := fileserver.New(cfg.Uploads.Dir, cfg.MaxUploadSize())

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Get("/health", handler.Health)
	r.Post("/upload", svc.Upload)
	r.Get("/files/{filename}", func(w http.ResponseWriter, r *http.Request) {
		svc.Serve(w, r, chi.URLParam(r, "filename"))
	})

	srv := &http.Server{Addr: *addr, Handler: r, ReadTimeout: 60 * time.Second, WriteTimeout: 60 * time.Second}
	go func() {
		logger.Infof("fileserver listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("fileserver: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("fileserver shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("fileserver shutdown: %v", err)
	}
	logger.Info("fileserver stopped")
	logger.Sync()
}

package handler

import (
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/socialchat/internal/config"
	"github.com/socialchat/internal/fileserver"
)

// FileHandler раздаёт и принимает изображения: сам или через микросервис файлов.
type FileHandler struct {
	maxSize    int64
	fileSvc    *fileserver.Service
	fileClient *http.Client
	fileBase   string
}

func NewFileHandler(cfg *config.Config, local *fileserver.Service) *FileHandler {
	h := &FileHandler{maxSize: cfg.MaxUploadSize()}
	if cfg.Uploads.ServiceURL == "" {
		h.fileSvc = local
	} else {
		h.fileClient = &http.Client{Timeout: 60 * time.Second}
		h.fileBase = strings.TrimSuffix(cfg.Uploads.ServiceURL, "/")
	}
	return h
}

// Upload: POST /api/files/upload (multipart, поле "file").
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.fileSvc != nil {
		h.fileSvc.Upload(w, r)
		return
	}
	proxyReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.fileBase+"/upload", nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	proxyReq.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	proxyReq.Body = http.MaxBytesReader(w, r.Body, h.maxSize+1<<20)
	if r.ContentLength > 0 {
		proxyReq.ContentLength = r.ContentLength
	}
	h.proxy(w, proxyReq)
}

// Serve: GET /api/files/{filename}.
func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(chi.URLParam(r, "filename"))
	if h.fileSvc != nil {
		h.fileSvc.Serve(w, r, filename)
		return
	}
	proxyReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, h.fileBase+"/files/"+url.PathEscape(filename), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.proxy(w, proxyReq)
}

func (h *FileHandler) proxy(w http.ResponseWriter, req *http.Request) {
	resp, err := h.fileClient.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "file service unavailable")
		return
	}
	defer resp.Body.Close()
	for _, k := range []string{"Content-Length", "Content-Type", "Cache-Control"} {
		if v := resp.Header.Get(k); v != "" {
			w.Header().Set(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

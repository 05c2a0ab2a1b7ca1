// Package media: загрузчики изображений для контроллера чата: в локальный
// fileserver шлюза или в отдельный микросервис файлов.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/socialchat/internal/fileserver"
)

// Local сохраняет файлы в каталог шлюза.
type Local struct {
	svc *fileserver.Service
}

func NewLocal(svc *fileserver.Service) *Local {
	return &Local{svc: svc}
}

// Upload возвращает URL, по которому шлюз раздаёт файл.
func (l *Local) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	resp, err := l.svc.Store(ctx, name, r)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// Remote отправляет файл в микросервис файлов (POST /upload, multipart поле "file").
type Remote struct {
	base   string
	client *http.Client
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (u *Remote) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(name))
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.base+"/upload", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("media.Remote.Upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media.Remote.Upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return "", fmt.Errorf("media.Remote.Upload: files service %d: %s", resp.StatusCode, e.Error)
	}
	var out fileserver.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("media.Remote.Upload: decode: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("media.Remote.Upload: empty url")
	}
	return out.URL, nil
}

// Uploader: то, что ждёт контроллер чата.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// Counted сообщает результат каждой загрузки в observe (метрики).
func Counted(u Uploader, observe func(error)) Uploader {
	return counted{u: u, observe: observe}
}

type counted struct {
	u       Uploader
	observe func(error)
}

func (c counted) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	url, err := c.u.Upload(ctx, name, r)
	c.observe(err)
	return url, err
}

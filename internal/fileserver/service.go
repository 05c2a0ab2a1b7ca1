// Package fileserver: хранение и раздача изображений из сообщений.
// Файлы лежат в каталоге в сжатом виде (<uuid><ext>.gz), отдаются распакованными.
package fileserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/socialchat/internal/logger"
)

var (
	ErrNotAllowed = errors.New("fileserver: file type not allowed")
	ErrMismatch   = errors.New("fileserver: file content does not match type")
	ErrTooLarge   = errors.New("fileserver: file too large")
	ErrNotFound   = errors.New("fileserver: file not found")
)

// URLPrefix: путь раздачи файлов шлюзом.
const URLPrefix = "/api/files/"

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
}

// UploadResponse: ответ после успешной загрузки.
type UploadResponse struct {
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

type Service struct {
	UploadDir     string
	MaxUploadSize int64
}

func New(uploadDir string, maxUploadSize int64) *Service {
	return &Service{UploadDir: uploadDir, MaxUploadSize: maxUploadSize}
}

// Store сохраняет изображение из r. Расширение берётся из name и сверяется с сигнатурой файла.
func (s *Service) Store(ctx context.Context, name string, r io.Reader) (*UploadResponse, error) {
	defer logger.DeferLogDuration("fileserver.Store", time.Now())()
	ext := strings.ToLower(filepath.Ext(strings.ReplaceAll(name, "+", " ")))
	ct, ok := imageTypes[ext]
	if !ok {
		return nil, ErrNotAllowed
	}
	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(r, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		return nil, ErrMismatch
	}
	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("fileserver.Store: %w", err)
	}

	newName := uuid.New().String() + ext
	dstPath := filepath.Join(s.UploadDir, newName+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		return nil, fmt.Errorf("fileserver.Store: %w", err)
	}
	src := io.MultiReader(bytes.NewReader(head), r)
	if s.MaxUploadSize > 0 {
		src = io.LimitReader(src, s.MaxUploadSize+1)
	}
	gz := gzip.NewWriter(dst)
	size, err := copyWithContext(ctx, gz, src)
	if err == nil && s.MaxUploadSize > 0 && size > s.MaxUploadSize {
		err = ErrTooLarge
	}
	if err == nil {
		err = gz.Close()
	} else {
		gz.Close()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("fileserver.Store: %w", err)
	}
	return &UploadResponse{
		URL:         URLPrefix + newName,
		FileName:    newName,
		FileSize:    size,
		ContentType: ct,
	}, nil
}

// Upload обрабатывает POST multipart/form-data с полем "file".
func (s *Service) Upload(w http.ResponseWriter, r *http.Request) {
	if s.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadSize+1<<20)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	resp, err := s.Store(r.Context(), header.Filename, file)
	if err != nil {
		status, msg := StatusOf(err)
		if status == http.StatusInternalServerError {
			logger.Errorf("fileserver: upload %s: %v", header.Filename, err)
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusOf переводит ошибку Store в HTTP-код и текст для клиента.
func StatusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotAllowed):
		return http.StatusUnsupportedMediaType, "only images are allowed"
	case errors.Is(err, ErrMismatch):
		return http.StatusBadRequest, "file content does not match type"
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "file too large"
	default:
		return http.StatusInternalServerError, "failed to save file"
	}
}

// Serve отдаёт файл по имени, распаковывая .gz.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, filename string) {
	filename = filepath.Base(filename)
	f, err := os.Open(filepath.Join(s.UploadDir, filename+".gz"))
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer gz.Close()
	if ct, ok := imageTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, gz); err != nil && r.Context().Err() == nil {
		logger.Errorf("fileserver: serve %s: %v", filename, err)
	}
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".heic":
		return len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")) &&
			(bytes.Equal(head[8:12], []byte("heic")) || bytes.Equal(head[8:12], []byte("heix")) || bytes.Equal(head[8:12], []byte("mif1")))
	}
	return false
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("upload cancelled: %w", err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
			total += int64(n)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}

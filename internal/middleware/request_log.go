package middleware

import (
	"net/http"
	"time"

	"github.com/socialchat/internal/logger"
)

// RequestLog логирует запрос с кодом ответа и временем выполнения. Ошибки 5xx: всегда.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrap(w)
		next.ServeHTTP(sw, r)
		if sw.status >= http.StatusInternalServerError {
			logger.Errorf("http %s %s -> %d (%v)", r.Method, r.URL.Path, sw.status, time.Since(start))
			return
		}
		logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
	})
}

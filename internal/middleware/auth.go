package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/storage"
)

// TokenFromRequest берёт токен из Authorization: Bearer или из ?token= (браузерный WebSocket не умеет заголовки).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// TokenAuth проверяет токен сессии в store и кладёт сессию в контекст. 401 без валидного токена.
func TokenAuth(store storage.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				unauthorized(w)
				return
			}
			s, err := store.GetSession(r.Context(), token)
			if err != nil {
				logger.Errorf("auth: session %s: %v", MaskToken(token), err)
				writeJSONError(w, http.StatusServiceUnavailable, "session store unavailable")
				return
			}
			if s == nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

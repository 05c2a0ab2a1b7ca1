package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterPool: token bucket на ключ (IP или пользователь).
// Ключи, не обращавшиеся дольше idleTTL, вычищаются при следующем обращении.
type LimiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   rate.Limit
	burst int
	sweep time.Time
}

type limiterEntry struct {
	l    *rate.Limiter
	seen time.Time
}

const idleTTL = 10 * time.Minute

func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &LimiterPool{m: make(map[string]*limiterEntry), rps: rate.Limit(rps), burst: burst}
}

func (p *LimiterPool) Allow(key string) bool {
	now := time.Now()
	p.mu.Lock()
	if now.Sub(p.sweep) > idleTTL {
		for k, e := range p.m {
			if now.Sub(e.seen) > idleTTL {
				delete(p.m, k)
			}
		}
		p.sweep = now
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.rps, p.burst)}
		p.m[key] = e
	}
	e.seen = now
	l := e.l
	p.mu.Unlock()
	return l.AllowN(now, 1)
}

// ClientIP: X-Real-Ip, первый адрес X-Forwarded-For или RemoteAddr без порта.
func ClientIP(r *http.Request) string {
	if x := r.Header.Get("X-Real-Ip"); x != "" {
		return strings.TrimSpace(x)
	}
	if x := r.Header.Get("X-Forwarded-For"); x != "" {
		first, _, _ := strings.Cut(x, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit ограничивает запросы по IP и по user_id (если он уже в контексте). 429 при превышении.
func RateLimit(byIP, byUser *LimiterPool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if byIP != nil && !byIP.Allow("ip:"+ClientIP(r)) {
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			if uid := GetUserID(r.Context()); uid != "" && byUser != nil && !byUser.Allow("u:"+uid) {
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

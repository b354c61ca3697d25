package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RealIP extracts the client's real IP address, preferring Cloudflare's
// CF-Connecting-IP header, then X-Forwarded-For, and falling back to RemoteAddr.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window, in-memory rate limiter keyed by an arbitrary
// string.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*window
	now     func() time.Time
}

func NewLimiter(limit int, per time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  per,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow reports whether the key is still within its limit, and how long
// until its window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.window)}
		return true, l.window
	}
	w.count++
	return w.count <= l.limit, w.resetAt.Sub(now)
}

// Sweep removes expired windows and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// RateLimit returns middleware that rate-limits requests by a key function.
func RateLimit(l *Limiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := l.Allow(keyFunc(r))
			if !ok {
				secs := int(retryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RealIP resolves the originating client address. The service runs behind
// Cloudflare in production, so CF-Connecting-IP wins when present; otherwise
// the leftmost X-Forwarded-For hop, then the socket peer.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// bucket is one fixed window of quota for a key.
type bucket struct {
	remaining int
	resetAt   time.Time
}

// RateLimiter is an in-memory fixed-window limiter keyed by caller. State is
// per process; a multi-instance deployment limits per instance, which is
// acceptable for abuse protection on quote endpoints.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time // test seam
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one unit of quota for key, reporting whether the request may
// proceed. A key's first request in a window opens a fresh bucket.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		rl.buckets[key] = &bucket{remaining: limit - 1, resetAt: now.Add(window)}
		return limit > 0
	}
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// retryAfter reports how long until key's window resets. Zero when the key
// has no open bucket.
func (rl *RateLimiter) retryAfter(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		return 0
	}
	d := b.resetAt.Sub(rl.now())
	if d < 0 {
		return 0
	}
	return d
}

// Cleanup drops buckets whose window has closed. Called periodically from the
// server's background loop.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, key)
		}
	}
}

// RateLimit returns middleware enforcing limit requests per window per key.
// Rejections carry a Retry-After hint so well-behaved clients back off.
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if !limiter.Allow(key, limit, window) {
				secs := int(limiter.retryAfter(key).Round(time.Second).Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

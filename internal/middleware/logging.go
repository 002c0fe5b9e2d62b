package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// responseTap wraps http.ResponseWriter to observe the outcome of a request:
// the status code and how many body bytes went out.
type responseTap struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (t *responseTap) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTap) Write(p []byte) (int, error) {
	n, err := t.ResponseWriter.Write(p)
	t.bytes += n
	return n, err
}

// RequestLogger returns middleware that writes one structured line per
// request. Billing endpoints move money, so the line carries enough to
// reconcile against the processor dashboard: client IP, status class, and
// latency. 5xx log at error, 4xx at warn, the rest at info.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			tap := &responseTap{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(tap, r)

			level := slog.LevelInfo
			switch {
			case tap.status >= 500:
				level = slog.LevelError
			case tap.status >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", tap.status),
				slog.Int("bytes", tap.bytes),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("client", RealIP(r)),
			)
		})
	}
}

package api

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/haasonsaas/househunt/internal/observability"
)

// responseWriter captures the status code of a response.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the realtime endpoint take over the connection.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// loggingMiddleware logs each request and records its duration by route.
func loggingMiddleware(logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			elapsed := time.Since(start)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequest(r.Method, route, wrapped.status, elapsed)
			logger.Debug("http request",
				"method", r.Method,
				"route", route,
				"status", wrapped.status,
				"duration", elapsed,
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

const maxIdleLimiters = 4096

// userLimiter is a token bucket per user.
type userLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newUserLimiter allows perMinute events per user with the given burst. A
// non-positive perMinute disables limiting.
func newUserLimiter(perMinute, burst int) *userLimiter {
	if perMinute <= 0 {
		return &userLimiter{limit: rate.Inf}
	}
	if burst <= 0 {
		burst = 1
	}
	return &userLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
	}
}

// allow reports whether userID may proceed at now and, if not, how long
// until it may.
func (l *userLimiter) allow(userID string, now time.Time) (time.Duration, bool) {
	if l.limit == rate.Inf {
		return 0, true
	}
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		if len(l.limiters) >= maxIdleLimiters {
			l.pruneLocked(now)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay, false
	}
	return 0, true
}

// pruneLocked drops limiters that have refilled completely; they behave
// the same as a fresh one.
func (l *userLimiter) pruneLocked(now time.Time) {
	for id, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, id)
		}
	}
}

package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// RateLimit queues requests behind the limiter before they reach the handler.
// A nil limiter disables it.
func RateLimit(limiter rateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := limiter.Wait(r.Context()); err != nil {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLog logs method, path, status and latency for each request.
func RequestLog(logf func(format string, args ...any), next http.Handler) http.Handler {
	if logf == nil {
		logf = log.Printf
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logf("http %s %s -> %d in %v", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

// Package ratelimit wires go-chi/httprate limiters from config.
package ratelimit

import (
	"net/http"

	"github.com/go-chi/httprate"

	"github.com/tunglvm/store-server/internal/config"
	"github.com/tunglvm/store-server/internal/metrics"
)

// noopMiddleware passes requests through untouched.
func noopMiddleware(next http.Handler) http.Handler { return next }

// Global returns a middleware limiting total request throughput.
func Global(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return noopMiddleware
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow.Duration,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(limitHandler(m, "global")),
	)
}

// PerIP returns a middleware limiting each client IP independently.
func PerIP(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return noopMiddleware
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow.Duration,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(limitHandler(m, "per_ip")),
	)
}

func limitHandler(m *metrics.Metrics, scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimitHit(scope)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"Too many requests","retryable":true}}`))
	}
}

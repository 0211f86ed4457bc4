package middleware

import (
	"net/http"

	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/internal/security"
)

// RateLimit rejects requests whose source IP exceeds its one-minute window
// with 429. The limiter is shared across instances through Redis; internal
// CIDRs bypass it.
func RateLimit(limiter *security.RateLimiter, m *metrics.WebhookMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			result, err := limiter.AllowIP(r.Context(), clientIP(r))
			if err == nil && result != nil && !result.Allowed {
				m.ObserveRateLimited("ip")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers X-Real-Ip set by chi's RealIP middleware.
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

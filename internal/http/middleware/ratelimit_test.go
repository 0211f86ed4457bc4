package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/atendezap/atendezap/internal/security"
)

func TestRateLimitRejectsAfterWindowLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := security.DefaultRateLimitConfig()
	cfg.IPPerMinute = 2
	mw := RateLimit(security.NewRateLimiter(client, cfg, nil), nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/messaging", nil)
		req.Header.Set("X-Real-Ip", "203.0.113.9")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimitFailsOpenWithoutRedis(t *testing.T) {
	mw := RateLimit(nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/messaging", nil)
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

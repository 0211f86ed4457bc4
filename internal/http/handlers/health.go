package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	db    *sql.DB
	redis *redis.Client
}

func NewHealthHandlers(db *sql.DB, redisClient *redis.Client) *HealthHandlers {
	return &HealthHandlers{db: db, redis: redisClient}
}

// Health is GET /health: process is up.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready is GET /ready: dependencies answer within a short deadline.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": healthy, "checks": checks})
}

package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atendezap/atendezap/pkg/logging"
)

// HandoffStore keeps the per-phone human takeover flag. While the flag is
// set the bot only replies with the handoff template and the state machine
// is frozen; clearing it resumes from the persisted state.
type HandoffStore struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewHandoffStore builds the store. ttl defaults to one hour.
func NewHandoffStore(redisClient *redis.Client, ttl time.Duration, logger *logging.Logger) *HandoffStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HandoffStore{redis: redisClient, ttl: ttl, logger: logger}
}

func handoffKey(tenant, phone string) string {
	return fmt.Sprintf("handoff:%s:%s", tenant, phone)
}

// Set marks the conversation as human-attended for the configured TTL.
func (h *HandoffStore) Set(ctx context.Context, tenant, phone string) error {
	if h.redis == nil {
		return nil
	}
	if err := h.redis.Set(ctx, handoffKey(tenant, phone), "1", h.ttl).Err(); err != nil {
		return fmt.Errorf("conversation: set handoff: %w", err)
	}
	h.logger.Info("handoff enabled", "tenant", tenant, "phone", logging.MaskPhone(phone))
	return nil
}

// Clear resumes the bot for this conversation.
func (h *HandoffStore) Clear(ctx context.Context, tenant, phone string) error {
	if h.redis == nil {
		return nil
	}
	if err := h.redis.Del(ctx, handoffKey(tenant, phone)).Err(); err != nil {
		return fmt.Errorf("conversation: clear handoff: %w", err)
	}
	h.logger.Info("handoff cleared", "tenant", tenant, "phone", logging.MaskPhone(phone))
	return nil
}

// Active reports whether a human holds the conversation. Store trouble
// counts as inactive so the bot keeps answering.
func (h *HandoffStore) Active(ctx context.Context, tenant, phone string) bool {
	if h.redis == nil {
		return false
	}
	n, err := h.redis.Exists(ctx, handoffKey(tenant, phone)).Result()
	if err != nil {
		h.logger.Warn("handoff check unavailable", "error", err)
		return false
	}
	return n > 0
}

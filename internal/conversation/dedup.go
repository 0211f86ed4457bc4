package conversation

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atendezap/atendezap/pkg/logging"
)

// Deduper suppresses provider webhook replays by message id. Provider
// retries are not ordered, so without this the buffer would double-count
// fragments.
type Deduper struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewDeduper builds a deduper; ttl defaults to ten minutes.
func NewDeduper(redisClient *redis.Client, ttl time.Duration, logger *logging.Logger) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Deduper{redis: redisClient, ttl: ttl, logger: logger}
}

// Seen registers the message id and reports whether it was already
// processed within the window. Store trouble fails open: the message is
// treated as new.
func (d *Deduper) Seen(ctx context.Context, messageID string) bool {
	if d.redis == nil || messageID == "" {
		return false
	}
	fresh, err := d.redis.SetNX(ctx, "idem:"+messageID, "1", d.ttl).Result()
	if err != nil {
		d.logger.Warn("dedup check unavailable", "error", err)
		return false
	}
	return !fresh
}

package security

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atendezap/atendezap/pkg/logging"
)

// RateLimitConfig carries per-source limits on one-minute windows.
type RateLimitConfig struct {
	IPPerMinute    int
	PhonePerMinute int
	// BanAfter is how many limited windows in a row trigger a soft ban.
	BanAfter int
	// BanDuration is how long a soft ban lasts.
	BanDuration time.Duration
	// InternalCIDRs bypass limiting entirely.
	InternalCIDRs []string
}

// DefaultRateLimitConfig returns the webhook defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		IPPerMinute:    10,
		PhonePerMinute: 5,
		BanAfter:       3,
		BanDuration:    time.Minute,
	}
}

// RateResult reports the outcome of a limit check.
type RateResult struct {
	Allowed bool
	Banned  bool
	Count   int
	Limit   int
}

// RateLimiter keeps per-(source, minute) counters in Redis so multiple
// instances share the same window. Redis being down fails open.
type RateLimiter struct {
	redis    *redis.Client
	config   RateLimitConfig
	internal []*net.IPNet
	logger   *logging.Logger
}

// NewRateLimiter builds a limiter; invalid CIDRs are skipped with a warning.
func NewRateLimiter(redisClient *redis.Client, config RateLimitConfig, logger *logging.Logger) *RateLimiter {
	if logger == nil {
		logger = logging.Default()
	}
	var nets []*net.IPNet
	for _, cidr := range config.InternalCIDRs {
		_, block, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			logger.Warn("ignoring invalid internal CIDR", "cidr", cidr)
			continue
		}
		nets = append(nets, block)
	}
	return &RateLimiter{redis: redisClient, config: config, internal: nets, logger: logger}
}

// AllowIP checks the per-IP window.
func (r *RateLimiter) AllowIP(ctx context.Context, ip string) (*RateResult, error) {
	if r.isInternal(ip) {
		return &RateResult{Allowed: true}, nil
	}
	return r.allow(ctx, "ip", ip, r.config.IPPerMinute)
}

// AllowPhone checks the per-phone window for webhook-derived numbers.
func (r *RateLimiter) AllowPhone(ctx context.Context, phone string) (*RateResult, error) {
	return r.allow(ctx, "phone", phone, r.config.PhonePerMinute)
}

func (r *RateLimiter) allow(ctx context.Context, kind, source string, limit int) (*RateResult, error) {
	if r.redis == nil || limit <= 0 || source == "" {
		return &RateResult{Allowed: true, Limit: limit}, nil
	}

	banKey := fmt.Sprintf("rate:ban:%s:%s", kind, source)
	banned, err := r.redis.Exists(ctx, banKey).Result()
	if err != nil {
		// Fail open when the counter store is unavailable.
		r.logger.Warn("rate limit check unavailable", "error", err, "kind", kind)
		return &RateResult{Allowed: true, Limit: limit}, nil
	}
	if banned > 0 {
		return &RateResult{Allowed: false, Banned: true, Limit: limit}, nil
	}

	window := time.Now().UTC().Format("200601021504")
	key := fmt.Sprintf("rate:%s:%s:%s", kind, source, window)

	pipe := r.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("rate limit increment failed", "error", err, "kind", kind)
		return &RateResult{Allowed: true, Limit: limit}, nil
	}

	count := int(incr.Val())
	if count <= limit {
		return &RateResult{Allowed: true, Count: count, Limit: limit}, nil
	}

	// Count this violation toward a soft ban. The violation counter only grows
	// once per limited window, keyed by the same minute bucket.
	if r.config.BanAfter > 0 && count == limit+1 {
		vKey := fmt.Sprintf("rate:viol:%s:%s", kind, source)
		violations, verr := r.redis.Incr(ctx, vKey).Result()
		if verr == nil {
			r.redis.Expire(ctx, vKey, time.Duration(r.config.BanAfter+1)*time.Minute)
			if int(violations) >= r.config.BanAfter {
				r.redis.Set(ctx, banKey, "1", r.config.BanDuration)
				r.redis.Del(ctx, vKey)
				r.logger.Warn("soft ban applied", "kind", kind, "source", logging.MaskPII(source))
			}
		}
	}

	return &RateResult{Allowed: false, Count: count, Limit: limit}, nil
}

func (r *RateLimiter) isInternal(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, block := range r.internal {
		if block.Contains(parsed) {
			return true
		}
	}
	return false
}

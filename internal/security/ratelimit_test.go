package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestAllowIPWithinLimit(t *testing.T) {
	client, _ := setupTestRedis(t)
	cfg := DefaultRateLimitConfig()
	cfg.IPPerMinute = 3
	rl := NewRateLimiter(client, cfg, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := rl.AllowIP(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should pass", i+1)
	}

	res, err := rl.AllowIP(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestAllowPhoneLimitIndependentOfIP(t *testing.T) {
	client, _ := setupTestRedis(t)
	cfg := DefaultRateLimitConfig()
	cfg.PhonePerMinute = 1
	rl := NewRateLimiter(client, cfg, nil)

	ctx := context.Background()
	res, err := rl.AllowPhone(ctx, "+5511999999991")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = rl.AllowPhone(ctx, "+5511999999991")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Another phone is unaffected.
	res, err = rl.AllowPhone(ctx, "+5511999999992")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestInternalCIDRBypass(t *testing.T) {
	client, _ := setupTestRedis(t)
	cfg := DefaultRateLimitConfig()
	cfg.IPPerMinute = 1
	cfg.InternalCIDRs = []string{"10.0.0.0/8"}
	rl := NewRateLimiter(client, cfg, nil)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		res, err := rl.AllowIP(ctx, "10.1.2.3")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestSoftBanAfterRepeatedViolations(t *testing.T) {
	client, mr := setupTestRedis(t)
	cfg := DefaultRateLimitConfig()
	cfg.IPPerMinute = 1
	cfg.BanAfter = 1
	cfg.BanDuration = time.Minute
	rl := NewRateLimiter(client, cfg, nil)

	ctx := context.Background()
	res, err := rl.AllowIP(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// First violation trips the ban immediately with BanAfter=1.
	res, err = rl.AllowIP(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = rl.AllowIP(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Banned)

	// Ban expires with its TTL.
	mr.FastForward(2 * time.Minute)
	res, err = rl.AllowIP(ctx, "198.51.100.7")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	rl := NewRateLimiter(client, DefaultRateLimitConfig(), nil)
	mr.Close()

	res, err := rl.AllowIP(context.Background(), "203.0.113.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/atendezap/atendezap/internal/config"
	"github.com/atendezap/atendezap/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildDB opens the Postgres pool and verifies connectivity.
func BuildDB(ctx context.Context, url string) (*sql.DB, error) {
	if strings.TrimSpace(url) == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return db, nil
}

// BuildLegacyDB opens the optional legacy catalog source. Failures are not
// fatal; search just loses its fallback.
func BuildLegacyDB(ctx context.Context, url string, logger *logging.Logger) *sql.DB {
	if logger == nil {
		logger = logging.Default()
	}
	db, err := BuildDB(ctx, url)
	if err != nil {
		logger.Warn("legacy catalog source not available", "error", err)
		return nil
	}
	return db
}

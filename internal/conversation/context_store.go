package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atendezap/atendezap/pkg/logging"
)

// ErrCorruptSession marks a context blob that decoded into garbage. The
// caller replaces it with a fresh session; nothing panics on bad data.
var ErrCorruptSession = errors.New("conversation: corrupt session blob")

// SessionStore persists conversations cache-through: hot copy in Redis with
// the session TTL, durable copy in Postgres without one. A Redis miss falls
// back to Postgres and repopulates the cache on the next save.
type SessionStore struct {
	redis  *redis.Client
	db     *sql.DB
	ttl    time.Duration
	logger *logging.Logger
}

// NewSessionStore builds the store. ttl defaults to two hours.
func NewSessionStore(redisClient *redis.Client, db *sql.DB, ttl time.Duration, logger *logging.Logger) *SessionStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionStore{redis: redisClient, db: db, ttl: ttl, logger: logger}
}

func sessionKey(tenant, phone string) string {
	return fmt.Sprintf("conv:%s:%s", tenant, phone)
}

// Load returns the persisted session, nil when none exists, or
// ErrCorruptSession when the stored blob cannot be trusted.
func (s *SessionStore) Load(ctx context.Context, tenant, phone string) (*Session, error) {
	if s.redis != nil {
		raw, err := s.redis.Get(ctx, sessionKey(tenant, phone)).Bytes()
		switch {
		case err == nil:
			return decodeSession(raw)
		case errors.Is(err, redis.Nil):
			// fall through to the durable store
		default:
			s.logger.Warn("session cache read failed", "error", err)
		}
	}

	if s.db == nil {
		return nil, nil
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT context FROM conversations WHERE tenant_id = $1 AND phone = $2`,
		tenant, phone,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load session: %w", err)
	}
	return decodeSession(raw)
}

func decodeSession(raw []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSession, err)
	}
	if !sess.Valid() {
		return nil, ErrCorruptSession
	}
	if sess.Vars == nil {
		sess.Vars = make(map[string]any)
	}
	return &sess, nil
}

// Save writes the session to both stores. The cache write carries the
// session TTL; the durable row is upserted and outlives it.
func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("conversation: encode session: %w", err)
	}

	if s.db != nil {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (tenant_id, phone, context, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (tenant_id, phone) DO UPDATE SET
				context = EXCLUDED.context,
				updated_at = NOW()
		`, sess.Tenant, sess.Phone, raw)
		if err != nil {
			return fmt.Errorf("conversation: persist session: %w", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, sessionKey(sess.Tenant, sess.Phone), raw, s.ttl).Err(); err != nil {
			s.logger.Warn("session cache write failed", "error", err)
		}
	}
	return nil
}

// Delete removes the session from both stores. Admin use.
func (s *SessionStore) Delete(ctx context.Context, tenant, phone string) error {
	if s.redis != nil {
		if err := s.redis.Del(ctx, sessionKey(tenant, phone)).Err(); err != nil {
			s.logger.Warn("session cache delete failed", "error", err)
		}
	}
	if s.db != nil {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM conversations WHERE tenant_id = $1 AND phone = $2`, tenant, phone)
		if err != nil {
			return fmt.Errorf("conversation: delete session: %w", err)
		}
	}
	return nil
}

// ListStates returns phone -> state for active cached sessions of a tenant.
// Admin use; scans the hot cache only.
func (s *SessionStore) ListStates(ctx context.Context, tenant string) (map[string]string, error) {
	out := make(map[string]string)
	if s.redis == nil {
		return out, nil
	}
	var cursor uint64
	pattern := sessionKey(tenant, "*")
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("conversation: list states: %w", err)
		}
		for _, key := range keys {
			raw, err := s.redis.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			sess, err := decodeSession(raw)
			if err != nil {
				continue
			}
			out[sess.Phone] = sess.State
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

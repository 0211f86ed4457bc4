package buffer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atendezap/atendezap/internal/observability/metrics"
	"github.com/atendezap/atendezap/pkg/logging"
)

const dueSetKey = "buffer:due"

// Config bounds the aggregation window per conversation.
type Config struct {
	// Window is how long the first fragment waits for follow-ups.
	Window time.Duration
	// MaxMessages forces a flush once this many fragments accumulate.
	MaxMessages int
}

// DefaultConfig returns the production window.
func DefaultConfig() Config {
	return Config{Window: 30 * time.Second, MaxMessages: 8}
}

// Result is the outcome of appending one fragment.
type Result struct {
	// Ready means the aggregate is complete and should be processed now.
	Ready bool
	// AggregatedText is the ordered fragments joined with single spaces.
	// Only set when Ready.
	AggregatedText string
	// Degraded means the fragment passed through because the store was down.
	Degraded bool
}

// Buffer batches rapid-fire WhatsApp fragments per conversation in a Redis
// list so the state machine sees one coherent utterance. When Redis is
// unavailable every fragment passes straight through; a message is never
// dropped.
type Buffer struct {
	redis   *redis.Client
	config  Config
	logger  *logging.Logger
	metrics *metrics.ConversationMetrics
	now     func() time.Time
}

// NewBuffer builds a buffer; zero config fields fall back to defaults.
func NewBuffer(redisClient *redis.Client, config Config, logger *logging.Logger, m *metrics.ConversationMetrics) *Buffer {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.MaxMessages <= 0 {
		config.MaxMessages = DefaultConfig().MaxMessages
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Buffer{
		redis:   redisClient,
		config:  config,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func listKey(tenant, phone string) string {
	return fmt.Sprintf("buffer:%s:%s", tenant, phone)
}

// dueMember encodes the conversation identity in the deadline set so flushes
// resume under the tenant that buffered the fragments.
func dueMember(tenant, phone string) string {
	return tenant + "|" + phone
}

// Pending identifies a conversation whose aggregation window expired.
type Pending struct {
	Tenant string
	Phone  string
}

// Append stores one fragment. The first fragment of a window arms the
// deadline; hitting MaxMessages flushes immediately.
func (b *Buffer) Append(ctx context.Context, tenant, phone, fragment string) (*Result, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return &Result{}, nil
	}
	if b.redis == nil {
		return b.degrade(fragment, nil), nil
	}

	key := listKey(tenant, phone)
	pipe := b.redis.TxPipeline()
	length := pipe.RPush(ctx, key, fragment)
	pipe.Expire(ctx, key, b.config.Window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return b.degrade(fragment, err), nil
	}

	count := int(length.Val())
	if count == 1 {
		due := float64(b.now().Add(b.config.Window).UnixMilli())
		if err := b.redis.ZAdd(ctx, dueSetKey, redis.Z{Score: due, Member: dueMember(tenant, phone)}).Err(); err != nil {
			// Deadline arming failed; flush now rather than risk the
			// fragments sitting forever.
			text, ferr := b.Flush(ctx, tenant, phone)
			if ferr != nil {
				return b.degrade(fragment, ferr), nil
			}
			return &Result{Ready: true, AggregatedText: text}, nil
		}
	}

	if count >= b.config.MaxMessages {
		text, err := b.Flush(ctx, tenant, phone)
		if err != nil {
			return b.degrade(fragment, err), nil
		}
		return &Result{Ready: true, AggregatedText: text}, nil
	}

	b.metrics.ObserveBuffered()
	return &Result{}, nil
}

// Flush atomically drains the conversation's fragments and disarms its
// deadline. Returns "" when the buffer was already empty.
func (b *Buffer) Flush(ctx context.Context, tenant, phone string) (string, error) {
	key := listKey(tenant, phone)
	pipe := b.redis.TxPipeline()
	fragments := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, dueSetKey, dueMember(tenant, phone))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("buffer: flush %s: %w", logging.MaskPhone(phone), err)
	}
	return strings.Join(fragments.Val(), " "), nil
}

// Due returns the conversations whose windows expired at or before now,
// without flushing them.
func (b *Buffer) Due(ctx context.Context) ([]Pending, error) {
	if b.redis == nil {
		return nil, nil
	}
	max := fmt.Sprintf("%d", b.now().UnixMilli())
	members, err := b.redis.ZRangeByScore(ctx, dueSetKey, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer: due scan: %w", err)
	}
	pending := make([]Pending, 0, len(members))
	for _, member := range members {
		tenant, phone, ok := strings.Cut(member, "|")
		if !ok {
			phone = member
			tenant = ""
		}
		pending = append(pending, Pending{Tenant: tenant, Phone: phone})
	}
	return pending, nil
}

func (b *Buffer) degrade(fragment string, err error) *Result {
	if err != nil {
		b.logger.Warn("buffer store unavailable, passing fragment through", "error", err)
	}
	b.metrics.ObserveBufferDegraded()
	return &Result{Ready: true, AggregatedText: fragment, Degraded: true}
}

// FlushHandler consumes a completed aggregate.
type FlushHandler func(ctx context.Context, tenant, phone, text string)

// FlushWorker fires due window flushes in the background so webhook handlers
// never block for the aggregation window.
type FlushWorker struct {
	buffer   *Buffer
	handler  FlushHandler
	interval time.Duration
	logger   *logging.Logger
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewFlushWorker builds a worker polling at interval (default 1s).
func NewFlushWorker(b *Buffer, handler FlushHandler, interval time.Duration, logger *logging.Logger) *FlushWorker {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FlushWorker{
		buffer:   b,
		handler:  handler,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop. Stop with Stop or by cancelling ctx.
// Repeat calls are no-ops.
func (w *FlushWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce flushes every due conversation and hands the aggregates to the
// handler.
func (w *FlushWorker) RunOnce(ctx context.Context) {
	pending, err := w.buffer.Due(ctx)
	if err != nil {
		w.logger.Warn("buffer due scan failed", "error", err)
		return
	}
	for _, p := range pending {
		text, err := w.buffer.Flush(ctx, p.Tenant, p.Phone)
		if err != nil {
			w.logger.Warn("buffer flush failed", "error", err, "phone", logging.MaskPhone(p.Phone))
			continue
		}
		if text == "" {
			continue
		}
		w.handler(ctx, p.Tenant, p.Phone, text)
	}
}

// Stop halts the loop and waits for it to exit. Safe to call more than once
// or on a worker that never started.
func (w *FlushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}

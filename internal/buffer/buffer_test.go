package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, config Config) (*Buffer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBuffer(client, config, nil, nil), mr
}

func TestAppendWithholdsUntilWindow(t *testing.T) {
	b, mr := newTestBuffer(t, Config{Window: 30 * time.Second, MaxMessages: 8})

	got, err := b.Append(context.Background(), "salao-1", "5571999990001", "quero marcar")
	require.NoError(t, err)
	assert.False(t, got.Ready)

	got, err = b.Append(context.Background(), "salao-1", "5571999990001", "um corte")
	require.NoError(t, err)
	assert.False(t, got.Ready)

	assert.True(t, mr.Exists("buffer:salao-1:5571999990001"))
}

func TestAppendFlushesAtMaxMessages(t *testing.T) {
	b, mr := newTestBuffer(t, Config{Window: 30 * time.Second, MaxMessages: 3})

	ctx := context.Background()
	_, err := b.Append(ctx, "salao-1", "5571999990001", "quero")
	require.NoError(t, err)
	_, err = b.Append(ctx, "salao-1", "5571999990001", "marcar")
	require.NoError(t, err)

	got, err := b.Append(ctx, "salao-1", "5571999990001", "corte")
	require.NoError(t, err)
	assert.True(t, got.Ready)
	assert.Equal(t, "quero marcar corte", got.AggregatedText)
	assert.False(t, mr.Exists("buffer:salao-1:5571999990001"))
}

func TestAppendIgnoresBlankFragments(t *testing.T) {
	b, _ := newTestBuffer(t, Config{})

	got, err := b.Append(context.Background(), "salao-1", "5571999990001", "   ")
	require.NoError(t, err)
	assert.False(t, got.Ready)
}

func TestAppendDegradesToPassThrough(t *testing.T) {
	b, mr := newTestBuffer(t, Config{})
	mr.Close()

	got, err := b.Append(context.Background(), "salao-1", "5571999990001", "quero marcar um corte")
	require.NoError(t, err)
	assert.True(t, got.Ready)
	assert.True(t, got.Degraded)
	assert.Equal(t, "quero marcar um corte", got.AggregatedText)
}

func TestAppendNilRedisPassesThrough(t *testing.T) {
	b := NewBuffer(nil, Config{}, nil, nil)

	got, err := b.Append(context.Background(), "salao-1", "5571999990001", "oi")
	require.NoError(t, err)
	assert.True(t, got.Ready)
	assert.Equal(t, "oi", got.AggregatedText)
}

func TestFragmentsAreIsolatedPerTenant(t *testing.T) {
	b, _ := newTestBuffer(t, Config{Window: 30 * time.Second, MaxMessages: 8})

	ctx := context.Background()
	_, err := b.Append(ctx, "salao-1", "5571999990001", "quero marcar")
	require.NoError(t, err)
	_, err = b.Append(ctx, "salao-2", "5571999990001", "cancelar horário")
	require.NoError(t, err)

	text, err := b.Flush(ctx, "salao-1", "5571999990001")
	require.NoError(t, err)
	assert.Equal(t, "quero marcar", text)

	text, err = b.Flush(ctx, "salao-2", "5571999990001")
	require.NoError(t, err)
	assert.Equal(t, "cancelar horário", text)
}

func TestDueAfterWindow(t *testing.T) {
	b, _ := newTestBuffer(t, Config{Window: 30 * time.Second, MaxMessages: 8})

	base := time.Now()
	b.now = func() time.Time { return base }
	_, err := b.Append(context.Background(), "salao-1", "5571999990001", "quero marcar")
	require.NoError(t, err)

	due, err := b.Due(context.Background())
	require.NoError(t, err)
	assert.Empty(t, due)

	b.now = func() time.Time { return base.Add(31 * time.Second) }
	due, err = b.Due(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Pending{{Tenant: "salao-1", Phone: "5571999990001"}}, due)
}

func TestFlushWorkerDeliversAggregate(t *testing.T) {
	b, _ := newTestBuffer(t, Config{Window: 30 * time.Second, MaxMessages: 8})

	base := time.Now()
	b.now = func() time.Time { return base }
	ctx := context.Background()
	_, err := b.Append(ctx, "salao-2", "5571999990001", "quero marcar")
	require.NoError(t, err)
	_, err = b.Append(ctx, "salao-2", "5571999990001", "escova progressiva")
	require.NoError(t, err)

	var mu sync.Mutex
	var gotTenant, gotPhone, gotText string
	worker := NewFlushWorker(b, func(_ context.Context, tenant, phone, text string) {
		mu.Lock()
		defer mu.Unlock()
		gotTenant, gotPhone, gotText = tenant, phone, text
	}, time.Second, nil)

	b.now = func() time.Time { return base.Add(31 * time.Second) }
	worker.RunOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "salao-2", gotTenant)
	assert.Equal(t, "5571999990001", gotPhone)
	assert.Equal(t, "quero marcar escova progressiva", gotText)

	// A second pass finds nothing pending.
	due, err := b.Due(ctx)
	require.NoError(t, err)
	assert.Empty(t, due)
}

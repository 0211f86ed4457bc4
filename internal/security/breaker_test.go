package security

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(t *testing.T, now *time.Time) *Breaker {
	t.Helper()
	cfg := DefaultBreakerConfig()
	cfg.MinRequests = 4
	cfg.HalfOpenProbes = 2
	b := NewBreaker("trinks", cfg)
	b.WithClock(func() time.Time { return *now })
	return b
}

func TestBreakerOpensOnErrorRate(t *testing.T) {
	now := time.Now()
	b := testBreaker(t, &now)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		b.Record(nil)
	}
	for i := 0; i < 4; i++ {
		b.Record(boom)
	}

	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreakerStaysClosedBelowMinVolume(t *testing.T) {
	now := time.Now()
	b := testBreaker(t, &now)

	b.Record(errors.New("boom"))
	b.Record(errors.New("boom"))

	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenThenCloses(t *testing.T) {
	now := time.Now()
	b := testBreaker(t, &now)

	for i := 0; i < 5; i++ {
		b.Record(errors.New("boom"))
	}
	require.Equal(t, BreakerOpen, b.State())

	now = now.Add(6 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Both probes succeed -> closed.
	require.NoError(t, b.Allow())
	b.Record(nil)
	require.NoError(t, b.Allow())
	b.Record(nil)

	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	now := time.Now()
	b := testBreaker(t, &now)

	for i := 0; i < 5; i++ {
		b.Record(errors.New("boom"))
	}
	now = now.Add(6 * time.Second)
	require.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Allow())
	b.Record(errors.New("still broken"))

	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerCallFailsFastWhenOpen(t *testing.T) {
	now := time.Now()
	b := testBreaker(t, &now)

	for i := 0; i < 5; i++ {
		b.Record(errors.New("boom"))
	}

	called := false
	err := b.Call(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, called)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	now := time.Now()
	b := testBreaker(t, &now)

	var states []BreakerState
	b.OnStateChange(func(_ string, s BreakerState) { states = append(states, s) })

	for i := 0; i < 5; i++ {
		b.Record(errors.New("boom"))
	}
	now = now.Add(6 * time.Second)
	b.State()

	require.NotEmpty(t, states)
	assert.Equal(t, BreakerOpen, states[0])
	assert.Equal(t, BreakerHalfOpen, states[1])
}

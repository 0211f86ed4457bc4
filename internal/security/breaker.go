package security

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the lifecycle position of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected without being attempted.
var ErrBreakerOpen = errors.New("security: circuit breaker open")

// BreakerConfig tunes a single dependency's breaker.
type BreakerConfig struct {
	// ErrorRateLimit opens the circuit when the rolling error rate exceeds it.
	ErrorRateLimit float64
	// MinRequests is the minimum rolling volume before the rate is considered.
	MinRequests int
	// OpenDuration is how long the circuit stays open before probing.
	OpenDuration time.Duration
	// HalfOpenProbes is how many probe calls the half-open window admits.
	HalfOpenProbes int
	// WindowSize bounds the rolling outcome window.
	WindowSize int
}

// DefaultBreakerConfig returns the shared defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ErrorRateLimit: 0.5,
		MinRequests:    10,
		OpenDuration:   5 * time.Second,
		HalfOpenProbes: 3,
		WindowSize:     50,
	}
}

// Breaker is a per-dependency circuit breaker. State transitions:
// closed -> open when the rolling error rate crosses the threshold,
// open -> half-open after OpenDuration, half-open -> closed when every probe
// succeeds and back to open on any probe failure.
type Breaker struct {
	mu sync.Mutex

	name   string
	config BreakerConfig
	clock  func() time.Time

	state      BreakerState
	window     []bool // true = failure
	openedAt   time.Time
	probesLeft int
	probeFails int

	onStateChange func(name string, state BreakerState)
}

// NewBreaker builds a breaker for a named dependency.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.ErrorRateLimit <= 0 {
		config.ErrorRateLimit = 0.5
	}
	if config.MinRequests <= 0 {
		config.MinRequests = 10
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 5 * time.Second
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 3
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 50
	}
	return &Breaker{
		name:   name,
		config: config,
		clock:  time.Now,
		state:  BreakerClosed,
	}
}

// WithClock overrides the time source. Tests only.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// OnStateChange registers a callback fired on every transition.
func (b *Breaker) OnStateChange(fn func(name string, state BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State reports the current state, advancing open -> half-open when due.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()

	switch b.state {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probesLeft <= 0 {
			return ErrBreakerOpen
		}
		b.probesLeft--
		return nil
	default:
		return nil
	}
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(err error) {
	failed := err != nil && !errors.Is(err, ErrBreakerOpen)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		if failed {
			b.probeFails++
			b.trip()
			return
		}
		if b.probesLeft <= 0 && b.probeFails == 0 {
			b.transition(BreakerClosed)
			b.window = nil
		}
	case BreakerClosed:
		b.window = append(b.window, failed)
		if len(b.window) > b.config.WindowSize {
			b.window = b.window[len(b.window)-b.config.WindowSize:]
		}
		if len(b.window) >= b.config.MinRequests && b.errorRateLocked() > b.config.ErrorRateLimit {
			b.trip()
		}
	}
}

// Call runs fn under the breaker.
func (b *Breaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

func (b *Breaker) errorRateLocked() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failures := 0
	for _, failed := range b.window {
		if failed {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window))
}

func (b *Breaker) trip() {
	b.openedAt = b.clock()
	b.transition(BreakerOpen)
}

func (b *Breaker) advanceLocked() {
	if b.state == BreakerOpen && b.clock().Sub(b.openedAt) >= b.config.OpenDuration {
		b.probesLeft = b.config.HalfOpenProbes
		b.probeFails = 0
		b.transition(BreakerHalfOpen)
	}
}

func (b *Breaker) transition(state BreakerState) {
	if b.state == state {
		return
	}
	b.state = state
	if b.onStateChange != nil {
		b.onStateChange(b.name, state)
	}
}

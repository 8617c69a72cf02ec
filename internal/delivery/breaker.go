package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrEndpointOpen is returned by [BreakerSink.Post] while the breaker is open
// and the reset timeout has not elapsed. The delivery worker treats it like
// any other transient failure.
var ErrEndpointOpen = errors.New("delivery: endpoint circuit open")

// BreakerState is the operating mode of a [BreakerSink].
type BreakerState int

const (
	// BreakerClosed forwards every call to the underlying sink.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrEndpointOpen] until the reset
	// timeout elapses.
	BreakerOpen

	// BreakerHalfOpen lets a limited number of probe calls through; their
	// outcome decides whether the breaker closes or re-opens.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [BreakerSink]. Zero values fall
// back to defaults.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax caps probe calls in the half-open state. Default: 3.
	HalfOpenMax int
}

// BreakerSink wraps another [Sink] with a three-state circuit breaker so a
// collapsed collector endpoint stops consuming retry budget and backoff time
// on every queued record. Safe for concurrent use.
type BreakerSink struct {
	inner Sink
	log   *slog.Logger

	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

var _ Sink = (*BreakerSink)(nil)

// NewBreakerSink wraps inner with a breaker configured by cfg.
func NewBreakerSink(inner Sink, cfg BreakerConfig) *BreakerSink {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &BreakerSink{
		inner:        inner,
		log:          slog.Default(),
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        BreakerClosed,
	}
}

// Post implements [Sink]. While the breaker is open it returns
// [ErrEndpointOpen] without touching the endpoint. A post counts as a
// failure when the transport errors or the remote answers outside the 2xx
// range.
func (b *BreakerSink) Post(ctx context.Context, endpoint string, payload []byte) (int, error) {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) < b.resetTimeout {
			b.mu.Unlock()
			return 0, ErrEndpointOpen
		}
		b.state = BreakerHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenFails = 0
		b.log.LogAttrs(ctx, slog.LevelInfo, "endpoint breaker probing",
			slog.String("endpoint", endpoint),
		)

	case BreakerHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMax {
			// Probe budget exhausted, stay open until an outcome lands.
			b.mu.Unlock()
			return 0, ErrEndpointOpen
		}
	}
	inHalfOpen := b.state == BreakerHalfOpen
	if inHalfOpen {
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	status, err := b.inner.Post(ctx, endpoint, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil || status < 200 || status >= 300 {
		b.recordFailure(ctx, endpoint, inHalfOpen)
	} else {
		b.recordSuccess(ctx, endpoint, inHalfOpen)
	}
	return status, err
}

// recordFailure must be called with b.mu held.
func (b *BreakerSink) recordFailure(ctx context.Context, endpoint string, inHalfOpen bool) {
	b.lastFailure = time.Now()

	if inHalfOpen {
		b.halfOpenFails++
		// Any failed probe re-opens immediately.
		b.state = BreakerOpen
		b.consecutiveFail = b.maxFailures
		b.log.LogAttrs(ctx, slog.LevelWarn, "endpoint breaker re-opened",
			slog.String("endpoint", endpoint),
		)
		return
	}

	b.consecutiveFail++
	if b.state == BreakerClosed && b.consecutiveFail >= b.maxFailures {
		b.state = BreakerOpen
		b.log.LogAttrs(ctx, slog.LevelWarn, "endpoint breaker opened",
			slog.String("endpoint", endpoint),
			slog.Int("consecutive_failures", b.consecutiveFail),
		)
	}
}

// recordSuccess must be called with b.mu held.
func (b *BreakerSink) recordSuccess(ctx context.Context, endpoint string, inHalfOpen bool) {
	if inHalfOpen {
		if b.halfOpenCalls-b.halfOpenFails >= b.halfOpenMax {
			b.state = BreakerClosed
			b.consecutiveFail = 0
			b.halfOpenCalls = 0
			b.halfOpenFails = 0
			b.log.LogAttrs(ctx, slog.LevelInfo, "endpoint breaker closed",
				slog.String("endpoint", endpoint),
			)
		}
		return
	}
	b.consecutiveFail = 0
}

// State returns the current breaker state. An open breaker whose reset
// timeout has elapsed reports half-open; the transition itself happens on
// the next [BreakerSink.Post].
func (b *BreakerSink) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

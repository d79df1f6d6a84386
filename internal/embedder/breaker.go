package embedder

import (
	"sync"
	"time"

	"github.com/pyindex/pyindexd/internal/errs"
	"github.com/pyindex/pyindexd/internal/logging"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

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

// Breaker tracks EE availability as a single boolean with observed
// transitions logged (spec §4.5: "EE availability is tracked as a
// single boolean with observed transitions logged; open-circuit halts
// Phase A only"). Adapted from Aman-CERP-amanmcp/internal/errors.CircuitBreaker,
// narrowed to the embedder's single failure/cooldown knobs.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	log       *logging.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
}

// NewBreaker constructs a Breaker that opens after threshold
// consecutive failures and re-closes after cooldown (spec §4.5).
func NewBreaker(threshold int, cooldown time.Duration, log *logging.Logger) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown, log: log, state: BreakerClosed}
}

func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && time.Since(b.openedAt) > b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reports whether a Phase A embed call should proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState() != BreakerOpen
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		b.log.Infof("embedder circuit breaker closing after successful call")
	}
	b.failures = 0
	b.state = BreakerClosed
}

// RecordFailure increments the failure count, opening the breaker once
// threshold consecutive failures have been observed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.currentState() == BreakerHalfOpen {
		// a half-open probe failed: reopen immediately.
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.log.Warnf("embedder circuit breaker reopening after failed probe")
		return
	}
	if b.failures >= b.threshold && b.state != BreakerOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.log.Warnf("embedder circuit breaker opening after %d consecutive failures", b.failures)
	}
}

// State exposes the current mode, mainly for status reporting.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// ErrBreakerOpen is returned by GetChunksGuarded when the breaker is open.
var ErrBreakerOpen = errs.New(errs.EmbedTransientError, "embedder circuit breaker is open")

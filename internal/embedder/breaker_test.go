package embedder

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyindex/pyindexd/internal/logging"
)

func newTestBreaker(threshold int, cooldown time.Duration) *Breaker {
	return NewBreaker(threshold, cooldown, logging.New(&bytes.Buffer{}, "test"))
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	// Given: a breaker that opens after 3 consecutive failures
	b := newTestBreaker(3, time.Second)

	// When: recording 3 failures
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	b.RecordFailure()

	// Then: the breaker is open and further calls are disallowed
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	// Given: an open breaker with a short cooldown
	b := newTestBreaker(1, 20*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	// When: waiting past the cooldown
	time.Sleep(30 * time.Millisecond)

	// Then: the breaker reports half-open and allows one probe
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)
	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)
	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, BreakerHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, time.Second)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	// Two failures after the reset must not be enough to trip a
	// threshold of 3.
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerAllowWhenClosed(t *testing.T) {
	b := newTestBreaker(5, time.Second)
	assert.True(t, b.Allow())
}

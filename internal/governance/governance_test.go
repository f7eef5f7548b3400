package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errBackend = errors.New("backend down")

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Second, Now: clock.Now})
	fail := func(context.Context) error { return errBackend }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open breaker must not invoke fn")
	assert.Equal(t, 1, cb.Stats().Rejected)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2})
	cb.Record(errBackend)
	cb.Record(nil)
	cb.Record(errBackend)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second, HalfOpenProbes: 1, Now: clock.Now})
	cb.Record(errBackend)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "only one probe admitted")

	cb.Record(errBackend)
	assert.Equal(t, StateOpen, cb.State(), "failed probe reopens")

	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rl := NewRateLimiter(0)
	rl.now = clock.Now
	cfg := RateLimiterConfig{RequestsPerSecond: 2, BurstSize: 2}

	ok, _ := rl.Allow("route.a", "", cfg)
	assert.True(t, ok)
	ok, _ = rl.Allow("route.a", "", cfg)
	assert.True(t, ok)
	ok, wait := rl.Allow("route.a", "", cfg)
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	ok, _ = rl.Allow("route.b", "", cfg)
	assert.True(t, ok, "buckets are independent per owner")

	clock.Advance(500 * time.Millisecond)
	ok, _ = rl.Allow("route.a", "", cfg)
	assert.True(t, ok)
}

func TestRateLimiter_ForgetDropsRemovedOwners(t *testing.T) {
	rl := NewRateLimiter(0)
	cfg := RateLimiterConfig{RequestsPerSecond: 1}
	rl.Allow("route.a", "10.0.0.1", cfg)
	rl.Allow("route.a", "10.0.0.2", cfg)
	rl.Allow("route.b", "", cfg)

	assert.Equal(t, 2, rl.Forget(map[string]bool{"route.b": true}))
	stats := rl.Stats()
	assert.Len(t, stats, 1)
	assert.Contains(t, stats, "route.b")
}

func TestRateLimiter_IsBounded(t *testing.T) {
	rl := NewRateLimiter(2)
	cfg := RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1}
	for _, client := range []string{"a", "b", "c"} {
		ok, _ := rl.Allow("route.a", client, cfg)
		assert.True(t, ok)
	}
	assert.Equal(t, 2, rl.Len())
	assert.NotContains(t, rl.Stats(), "route.a:a", "least recently used bucket is evicted")
}

func TestBackoff(t *testing.T) {
	cfg := BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 10*time.Millisecond, cfg.Backoff(0))
	assert.Equal(t, 20*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 40*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 50*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, 50*time.Millisecond, cfg.Backoff(60))
	assert.Zero(t, BackoffConfig{}.Backoff(3))

	jittered := BackoffConfig{Initial: 100 * time.Millisecond, Multiplier: 1, Jitter: true}
	for i := 0; i < 20; i++ {
		d := jittered.Backoff(i)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 125*time.Millisecond)
	}
}

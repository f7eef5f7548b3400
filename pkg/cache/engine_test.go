package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/glob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/directived/internal/governance"
	"github.com/polisai/directived/pkg/domain"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAuthority is an L3 that can be made to fail or to block writes. With
// now set, stored entries expire after their ttl.
type fakeAuthority struct {
	mu      sync.Mutex
	data    map[string]domain.Value
	expires map[string]time.Time
	now     func() time.Time
	fail    error
	stores  atomic.Int32
	release chan struct{}
	// afterLoad runs once a value has been read, outside the lock.
	afterLoad func()
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{data: make(map[string]domain.Value), expires: make(map[string]time.Time)}
}

func (a *fakeAuthority) Load(_ context.Context, key string) (domain.AuthorityEntry, bool, error) {
	a.mu.Lock()
	if a.fail != nil {
		a.mu.Unlock()
		return domain.AuthorityEntry{}, false, a.fail
	}
	v, ok := a.data[key]
	exp := a.expires[key]
	if ok && a.now != nil && !exp.IsZero() && !a.now().Before(exp) {
		ok = false
	}
	hook := a.afterLoad
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return domain.AuthorityEntry{}, false, nil
	}
	return domain.AuthorityEntry{Value: v, ExpiresAt: exp}, true, nil
}

func (a *fakeAuthority) Store(_ context.Context, key string, v domain.Value, ttl time.Duration) error {
	if a.release != nil {
		<-a.release
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stores.Add(1)
	if a.fail != nil {
		return a.fail
	}
	a.data[key] = v
	if a.now != nil {
		a.expires[key] = a.now().Add(ttl)
	}
	return nil
}

func (a *fakeAuthority) DeleteMatching(_ context.Context, pattern string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return 0, a.fail
	}
	g := glob.MustCompile(pattern)
	n := 0
	for k := range a.data {
		if g.Match(k) {
			delete(a.data, k)
			n++
		}
	}
	return n, nil
}

func (a *fakeAuthority) get(key string) (domain.Value, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.data[key]
	return v, ok
}

// failingBackend is an unreachable L2.
type failingBackend struct{ calls atomic.Int32 }

var errUnreachable = errors.New("connection refused")

func (f *failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	f.calls.Add(1)
	return nil, false, errUnreachable
}

func (f *failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	f.calls.Add(1)
	return errUnreachable
}

func (f *failingBackend) DeleteMatching(context.Context, string) (int, error) {
	f.calls.Add(1)
	return 0, errUnreachable
}

func newEngine(t *testing.T, cfg Config, l2 domain.CacheBackend, l3 domain.Authority) *Engine {
	t.Helper()
	e, err := New(cfg, l2, l3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_TierFallbackPopulatesUpperTiers(t *testing.T) {
	ctx := context.Background()
	l2 := NewMemoryBackend()
	l3 := newFakeAuthority()
	l3.data["user:1"] = domain.String("ada")
	e := newEngine(t, Config{}, l2, l3)

	v, ok, err := e.Get(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ada", v.String())

	_, inL2, _ := l2.Get(ctx, "user:1")
	assert.True(t, inL2, "L3 hit must populate L2")

	v, ok, err = e.Get(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ada", v.String())

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.L3Hits)
	assert.Equal(t, int64(1), stats.L1Hits)
	assert.Equal(t, 1, stats.L1Entries)
}

func TestEngine_L3HitNeverOutlivesAuthoritativeEntry(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	l3 := newFakeAuthority()
	l3.now = clk.Now
	l2 := NewMemoryBackend()
	l2.now = clk.Now

	writer := newEngine(t, Config{Now: clk.Now}, nil, l3)
	require.NoError(t, writer.Set(ctx, "k", domain.Int(7), 300*time.Millisecond))

	reader := newEngine(t, Config{Now: clk.Now, PopulateTTL: time.Minute}, l2, l3)
	v, ok, err := reader.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(domain.Int(7)), "got %v", v)
	assert.Equal(t, int64(1), reader.Stats().L3Hits)

	clk.Advance(400 * time.Millisecond)
	_, ok, err = reader.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "L1 and L2 copies expire with the L3 entry")
	_, inL2, _ := l2.Get(ctx, "k")
	assert.False(t, inL2)
}

func TestEngine_L3HitHonorsPopulateTTL(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	l3 := newFakeAuthority()
	l3.now = clk.Now
	require.NoError(t, l3.Store(ctx, "k", domain.Int(1), time.Hour))

	e := newEngine(t, Config{Now: clk.Now, PopulateTTL: time.Second}, nil, l3)
	_, ok, _ := e.Get(ctx, "k")
	require.True(t, ok)
	clk.Advance(2 * time.Second)
	_, ok, _ = e.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, int64(2), e.Stats().L3Hits, "the L1 copy lapsed after PopulateTTL")
}

func TestEngine_InvalidationDuringLoadSkipsFill(t *testing.T) {
	ctx := context.Background()
	l2 := NewMemoryBackend()
	l3 := newFakeAuthority()
	l3.data["user:1"] = domain.String("ada")
	e := newEngine(t, Config{}, l2, l3)

	// The value is read, then invalidated before the upper tiers are filled.
	l3.afterLoad = func() {
		l3.afterLoad = nil
		_, err := e.Invalidate(ctx, "user:*")
		require.NoError(t, err)
	}
	v, ok, err := e.Get(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, ok, "the caller still sees what it read")
	assert.Equal(t, "ada", v.String())

	assert.Equal(t, 0, e.Stats().L1Entries, "L1 is not refilled after the invalidation")
	_, inL2, _ := l2.Get(ctx, "user:1")
	assert.False(t, inL2, "L2 is not refilled after the invalidation")
	_, ok, err = e.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_MissReturnsNull(t *testing.T) {
	e := newEngine(t, Config{}, NewMemoryBackend(), newFakeAuthority())
	v, ok, err := e.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, v.IsNull())
	assert.Equal(t, int64(1), e.Stats().Misses)
}

func TestEngine_L2HitKeepsRemainingLifetime(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	l2 := NewMemoryBackend()
	l2.now = clk.Now
	writer := newEngine(t, Config{Now: clk.Now}, l2, nil)
	require.NoError(t, writer.Set(ctx, "k", domain.Int(7), 10*time.Second))

	reader := newEngine(t, Config{Now: clk.Now}, l2, nil)
	clk.Advance(6 * time.Second)
	v, ok, err := reader.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(domain.Int(7)), "got %v", v)
	assert.Equal(t, int64(1), reader.Stats().L2Hits)

	clk.Advance(5 * time.Second)
	_, ok, err = reader.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "L1 copy must expire with the original L2 deadline")
}

func TestEngine_L1LazyExpiryAndSweep(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	e := newEngine(t, Config{Now: clk.Now}, nil, nil)
	require.NoError(t, e.Set(ctx, "a", domain.Int(1), time.Second))
	require.NoError(t, e.Set(ctx, "b", domain.Int(2), time.Second))
	require.NoError(t, e.Set(ctx, "c", domain.Int(3), time.Hour))

	clk.Advance(2 * time.Second)
	_, ok, _ := e.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 1, e.SweepExpired(), "only b is left to sweep")
	assert.Equal(t, 1, e.Stats().L1Entries)
}

func TestEngine_L1IsBounded(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Config{L1Size: 2}, nil, nil)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, e.Set(ctx, k, domain.String(k), time.Minute))
	}
	assert.Equal(t, 2, e.Stats().L1Entries)
	_, ok, _ := e.Get(ctx, "a")
	assert.False(t, ok, "least recently used key is evicted")
}

func TestEngine_WriteThroughFailures(t *testing.T) {
	ctx := context.Background()
	l3 := newFakeAuthority()
	l3.fail = errors.New("disk full")
	l2 := &failingBackend{}
	e := newEngine(t, Config{}, l2, l3)

	err := e.Set(ctx, "k", domain.Int(1), time.Minute)
	var ce *domain.CacheError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "l3", ce.Tier)

	l3.fail = nil
	assert.NoError(t, e.Set(ctx, "k", domain.Int(2), time.Minute), "L2 failures are swallowed")
	got, ok := l3.get("k")
	require.True(t, ok)
	assert.True(t, got.Equal(domain.Int(2)), "got %v", got)
}

func TestEngine_AuthorityReadFailure(t *testing.T) {
	l3 := newFakeAuthority()
	l3.fail = errors.New("timeout")
	e := newEngine(t, Config{}, nil, l3)
	_, _, err := e.Get(context.Background(), "k")
	assert.ErrorIs(t, err, domain.ErrCacheUnavailable)
}

func TestEngine_RespectsRequestedTier(t *testing.T) {
	ctx := context.Background()
	l2 := NewMemoryBackend()
	l3 := newFakeAuthority()
	e := newEngine(t, Config{}, l2, l3)

	require.NoError(t, e.Set(ctx, "local", domain.Int(1), time.Minute, WithTier(TierL1)))
	require.NoError(t, e.Set(ctx, "shared", domain.Int(2), time.Minute, WithTier(TierL2)))
	assert.Equal(t, 1, l2.Len())
	assert.Equal(t, int32(0), l3.stores.Load())
}

func TestEngine_RejectsNonPositiveTTL(t *testing.T) {
	e := newEngine(t, Config{}, nil, nil)
	err := e.Set(context.Background(), "k", domain.Int(1), 0)
	assert.ErrorIs(t, err, domain.ErrTypeMismatch)
}

func TestEngine_WriteBehind(t *testing.T) {
	ctx := context.Background()
	l3 := newFakeAuthority()
	l3.release = make(chan struct{})
	e, err := New(Config{WriteBehindWorkers: 1}, nil, l3)
	require.NoError(t, err)
	e.Start(ctx)

	require.NoError(t, e.Set(ctx, "k", domain.String("v"), time.Minute, WithWriteBehind()))
	_, stored := l3.get("k")
	assert.False(t, stored, "authoritative write must not have happened yet")

	v, ok, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v.String())

	close(l3.release)
	require.NoError(t, e.Close())
	_, stored = l3.get("k")
	assert.True(t, stored, "Close drains the write-behind queue")
	assert.ErrorIs(t, e.Set(ctx, "k2", domain.Int(1), time.Minute, WithWriteBehind()), ErrClosed)
}

func TestEngine_WriteBehindFlushesWithoutStart(t *testing.T) {
	ctx := context.Background()
	l3 := newFakeAuthority()
	e, err := New(Config{}, nil, l3)
	require.NoError(t, err)
	require.NoError(t, e.Set(ctx, "k", domain.Int(1), time.Minute, WithWriteBehind()))
	assert.Equal(t, 1, e.Stats().Pending)
	require.NoError(t, e.Close())
	_, stored := l3.get("k")
	assert.True(t, stored)
}

func TestEngine_WriteBehindBlocksOnlyUntilContextDone(t *testing.T) {
	l3 := newFakeAuthority()
	e := newEngine(t, Config{WriteBehindQueue: 1}, nil, l3)
	require.NoError(t, e.Set(context.Background(), "a", domain.Int(1), time.Minute, WithWriteBehind()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Set(ctx, "b", domain.Int(2), time.Minute, WithWriteBehind())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_InvalidateAllTiers(t *testing.T) {
	ctx := context.Background()
	l2 := NewMemoryBackend()
	l3 := newFakeAuthority()
	e := newEngine(t, Config{}, l2, l3)
	for _, k := range []string{"user:1", "user:2", "order:1"} {
		require.NoError(t, e.Set(ctx, k, domain.String(k), time.Minute))
	}

	res, err := e.Invalidate(ctx, "user:*")
	require.NoError(t, err)
	assert.Equal(t, InvalidationResult{L1: 2, L2: 2, L3: 2}, res)
	assert.Equal(t, 6, res.Total())

	_, ok, _ := e.Get(ctx, "user:2")
	assert.False(t, ok)
	_, ok, _ = e.Get(ctx, "order:1")
	assert.True(t, ok)

	n, err := e.InvalidatePattern(ctx, "order:?")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEngine_PartialInvalidationStillClearsL1(t *testing.T) {
	ctx := context.Background()
	l3 := newFakeAuthority()
	e := newEngine(t, Config{}, &failingBackend{}, l3)
	require.NoError(t, e.Set(ctx, "user:1", domain.Int(1), time.Minute))

	res, err := e.Invalidate(ctx, "user:*")
	var partial *PartialInvalidationError
	require.ErrorAs(t, err, &partial)
	assert.Contains(t, partial.Failed, TierL2)
	assert.NotContains(t, partial.Failed, TierL3)
	assert.ErrorIs(t, err, errUnreachable)
	assert.Equal(t, 1, res.L1)
	assert.Equal(t, 1, res.L3)
	assert.Equal(t, 0, e.Stats().L1Entries)
}

func TestEngine_InvalidPattern(t *testing.T) {
	e := newEngine(t, Config{}, nil, nil)
	_, err := e.Invalidate(context.Background(), "user:[")
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestEngine_BreakerSkipsUnreachableL2(t *testing.T) {
	ctx := context.Background()
	l2 := &failingBackend{}
	l3 := newFakeAuthority()
	l3.data["k"] = domain.Int(1)
	e := newEngine(t, Config{
		L1Size:  1,
		Breaker: governance.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	}, l2, l3)

	for i := 0; i < 5; i++ {
		e.l1.Purge()
		v, ok, err := e.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, v.Equal(domain.Int(1)), "got %v", v)
	}
	assert.Equal(t, governance.StateOpen, e.BreakerState())
	assert.Equal(t, int32(2), l2.calls.Load(), "an open breaker stops calling L2")
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/polisai/directived/internal/governance"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/telemetry"
)

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("cache engine closed")
	// ErrInvalidPattern is returned for a glob that does not compile.
	ErrInvalidPattern = errors.New("invalid cache pattern")
)

// Config tunes the engine. Zero values pick the defaults noted per field.
type Config struct {
	// L1Size bounds the number of in-process entries (default 10000).
	L1Size int
	// L1MaxTTL caps how long an entry may live in L1 (0 = no cap).
	L1MaxTTL time.Duration
	// PopulateTTL caps the lifetime of entries copied up from L3. A copy
	// never outlives the L3 entry itself (default 1m).
	PopulateTTL time.Duration
	// SweepInterval is how often expired L1 entries are purged (default 30s).
	SweepInterval time.Duration
	// WriteBehindQueue bounds pending authoritative writes (default 1024).
	WriteBehindQueue int
	// WriteBehindWorkers drain the queue (default 2).
	WriteBehindWorkers int
	// Breaker guards L2 calls. Zero fields take the breaker defaults.
	Breaker governance.CircuitBreakerConfig
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.L1Size <= 0 {
		c.L1Size = 10000
	}
	if c.PopulateTTL <= 0 {
		c.PopulateTTL = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.WriteBehindQueue <= 0 {
		c.WriteBehindQueue = 1024
	}
	if c.WriteBehindWorkers <= 0 {
		c.WriteBehindWorkers = 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Breaker.Now == nil {
		c.Breaker.Now = c.Now
	}
	return c
}

type entry struct {
	value   domain.Value
	expires time.Time
}

type writeJob struct {
	key   string
	value domain.Value
	ttl   time.Duration
}

// Engine is the tiered cache. Get, Set and Invalidate are safe for
// concurrent use.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	l1      *lru.Cache[string, entry]
	l2      domain.CacheBackend
	l3      domain.Authority
	breaker *governance.CircuitBreaker

	// invalidations moves on every Invalidate start and finish, and
	// invalidating counts the ones in flight. A read that loaded from a lower
	// tier fills the tiers above only if neither changed underneath it.
	invalidations atomic.Uint64
	invalidating  atomic.Int64

	queueMu sync.RWMutex
	queue   chan writeJob
	closed  bool

	startOnce sync.Once
	stop      context.CancelFunc
	workers   sync.WaitGroup

	stats counters
}

// New builds an engine. l2 and l3 may be nil, in which case reads and writes
// stop at the deepest configured tier.
func New(cfg Config, l2 domain.CacheBackend, l3 domain.Authority) (*Engine, error) {
	cfg = cfg.withDefaults()
	l1, err := lru.New[string, entry](cfg.L1Size)
	if err != nil {
		return nil, fmt.Errorf("create l1: %w", err)
	}
	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		l1:      l1,
		l2:      l2,
		l3:      l3,
		breaker: governance.NewCircuitBreaker(cfg.Breaker),
		queue:   make(chan writeJob, cfg.WriteBehindQueue),
	}, nil
}

// Start launches the L1 sweeper and the write-behind workers. The sweeper
// stops with ctx; workers run until Close has drained the queue.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.stop = context.WithCancel(ctx)
		e.workers.Add(1)
		go e.sweep(ctx)
		for i := 0; i < e.cfg.WriteBehindWorkers; i++ {
			e.workers.Add(1)
			go e.drain()
		}
	})
}

// Close stops accepting writes, flushes queued authoritative writes and
// waits for the background goroutines.
func (e *Engine) Close() error {
	e.queueMu.Lock()
	if e.closed {
		e.queueMu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.queueMu.Unlock()

	// A Start after Close must not spawn workers.
	e.startOnce.Do(func() {})
	if e.stop == nil {
		for job := range e.queue {
			e.writeAuthority(context.Background(), job)
		}
		return nil
	}
	e.stop()
	e.workers.Wait()
	return nil
}

// Get reads key top down, populating the tiers above the one that answered.
// A miss returns (Null, false, nil). Only an authoritative failure is
// reported as an error; L2 failures fall through to L3.
func (e *Engine) Get(ctx context.Context, key string) (domain.Value, bool, error) {
	now := e.cfg.Now()

	if v, ok := e.getL1(key, now); ok {
		e.hit(TierL1)
		return v, true, nil
	}

	gen := e.invalidations.Load()
	if e.l2 != nil {
		v, expires, ok := e.getL2(ctx, key)
		if ok && (expires.IsZero() || now.Before(expires)) {
			if e.fillable(gen) {
				e.fillL1(key, v, expires, now, gen)
			}
			e.hit(TierL2)
			return v, true, nil
		}
	}

	if e.l3 != nil {
		ent, ok, err := e.l3.Load(ctx, key)
		if err != nil {
			e.stats.errors.Add(1)
			return domain.Null(), false, &domain.CacheError{
				Tier: TierL3.String(), Op: "get", Key: key,
				Err: fmt.Errorf("%w: %w", domain.ErrCacheUnavailable, err),
			}
		}
		if ok {
			// Copies above L3 never outlive the authoritative entry.
			expires := now.Add(e.cfg.PopulateTTL)
			if !ent.ExpiresAt.IsZero() && ent.ExpiresAt.Before(expires) {
				expires = ent.ExpiresAt
			}
			if e.fillable(gen) {
				if e.l2 != nil {
					e.setL2(ctx, key, ent.Value, expires)
				}
				e.fillL1(key, ent.Value, expires, now, gen)
			}
			e.hit(TierL3)
			return ent.Value, true, nil
		}
	}

	e.stats.misses.Add(1)
	e.metrics.RecordCacheLookup("miss")
	return domain.Null(), false, nil
}

// Set writes key down to the requested tier (L3 by default). L1 and L2
// failures are logged and swallowed; an L3 failure fails the call. With
// WithWriteBehind the L3 write is queued and Set returns once it is enqueued.
func (e *Engine) Set(ctx context.Context, key string, value domain.Value, ttl time.Duration, opts ...SetOption) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: cache ttl must be positive, got %s", domain.ErrTypeMismatch, ttl)
	}
	o := setOptions{tier: TierL3}
	for _, opt := range opts {
		opt(&o)
	}

	now := e.cfg.Now()
	expires := now.Add(ttl)
	e.putL1(key, value, expires, now)
	e.metrics.RecordCacheWrite(TierL1.String(), nil)
	e.stats.writes.Add(1)

	if o.tier >= TierL2 && e.l2 != nil {
		e.setL2(ctx, key, value, expires)
	}
	if o.tier < TierL3 || e.l3 == nil {
		return nil
	}

	job := writeJob{key: key, value: value, ttl: ttl}
	if o.writeBehind {
		return e.enqueue(ctx, job)
	}
	if err := e.l3.Store(ctx, key, value, ttl); err != nil {
		e.stats.errors.Add(1)
		e.metrics.RecordCacheWrite(TierL3.String(), err)
		return &domain.CacheError{Tier: TierL3.String(), Op: "set", Key: key, Err: err}
	}
	e.metrics.RecordCacheWrite(TierL3.String(), nil)
	return nil
}

// Put is Set with default options.
func (e *Engine) Put(ctx context.Context, key string, value domain.Value, ttl time.Duration) error {
	return e.Set(ctx, key, value, ttl)
}

// InvalidatePattern is Invalidate reduced to a total count.
func (e *Engine) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	res, err := e.Invalidate(ctx, pattern)
	return res.Total(), err
}

func (e *Engine) enqueue(ctx context.Context, job writeJob) error {
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.queue <- job:
		e.stats.enqueued.Add(1)
		e.metrics.SetWriteBehindDepth(len(e.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) drain() {
	defer e.workers.Done()
	for job := range e.queue {
		e.writeAuthority(context.Background(), job)
		e.metrics.SetWriteBehindDepth(len(e.queue))
	}
}

func (e *Engine) writeAuthority(ctx context.Context, job writeJob) {
	err := e.l3.Store(ctx, job.key, job.value, job.ttl)
	e.metrics.RecordCacheWrite(TierL3.String(), err)
	if err != nil {
		e.stats.errors.Add(1)
		e.logger.Error("write-behind store failed", "key", job.key, "error", err)
	}
}

// fillable reports whether no invalidation started, finished or ran since gen
// was read.
func (e *Engine) fillable(gen uint64) bool {
	return e.invalidating.Load() == 0 && e.invalidations.Load() == gen
}

// fillL1 populates L1 and backs the entry out again if an invalidation began
// while it was being added.
func (e *Engine) fillL1(key string, v domain.Value, expires, now time.Time, gen uint64) {
	e.putL1(key, v, expires, now)
	if !e.fillable(gen) {
		e.l1.Remove(key)
	}
}

func (e *Engine) getL1(key string, now time.Time) (domain.Value, bool) {
	ent, ok := e.l1.Get(key)
	if !ok {
		return domain.Value{}, false
	}
	if !ent.expires.IsZero() && !now.Before(ent.expires) {
		e.l1.Remove(key)
		return domain.Value{}, false
	}
	return ent.value, true
}

func (e *Engine) putL1(key string, v domain.Value, expires, now time.Time) {
	if e.cfg.L1MaxTTL > 0 {
		if limit := now.Add(e.cfg.L1MaxTTL); expires.IsZero() || expires.After(limit) {
			expires = limit
		}
	}
	e.l1.Add(key, entry{value: v, expires: expires})
}

func (e *Engine) getL2(ctx context.Context, key string) (domain.Value, time.Time, bool) {
	var raw []byte
	var found bool
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		raw, found, err = e.l2.Get(ctx, key)
		return err
	})
	if err != nil {
		e.stats.errors.Add(1)
		if !errors.Is(err, governance.ErrCircuitOpen) {
			e.logger.Warn("cache l2 read failed", "key", key, "error", err)
		}
		return domain.Value{}, time.Time{}, false
	}
	if !found {
		return domain.Value{}, time.Time{}, false
	}
	v, expires, err := decodeEnvelope(raw)
	if err != nil {
		e.logger.Warn("cache l2 entry unreadable", "key", key, "error", err)
		return domain.Value{}, time.Time{}, false
	}
	return v, expires, true
}

func (e *Engine) setL2(ctx context.Context, key string, v domain.Value, expires time.Time) {
	raw, err := encodeEnvelope(v, expires)
	if err == nil {
		ttl := expires.Sub(e.cfg.Now())
		if ttl <= 0 {
			return
		}
		err = e.breaker.Execute(ctx, func(ctx context.Context) error {
			return e.l2.Set(ctx, key, raw, ttl)
		})
	}
	e.metrics.RecordCacheWrite(TierL2.String(), err)
	if err != nil {
		e.stats.errors.Add(1)
		if !errors.Is(err, governance.ErrCircuitOpen) {
			e.logger.Warn("cache l2 write failed", "key", key, "error", err)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	defer e.workers.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.SweepExpired(); n > 0 {
				e.logger.Debug("swept expired l1 entries", "count", n)
			}
		}
	}
}

// SweepExpired removes expired L1 entries and returns how many were removed.
func (e *Engine) SweepExpired() int {
	now := e.cfg.Now()
	removed := 0
	for _, key := range e.l1.Keys() {
		ent, ok := e.l1.Peek(key)
		if ok && !ent.expires.IsZero() && !now.Before(ent.expires) {
			e.l1.Remove(key)
			removed++
		}
	}
	return removed
}

func (e *Engine) hit(t Tier) {
	e.stats.hits[t-1].Add(1)
	e.metrics.RecordCacheLookup(t.String())
}

// BreakerState reports the circuit state guarding L2.
func (e *Engine) BreakerState() governance.CircuitBreakerState {
	return e.breaker.State()
}

type counters struct {
	hits     [3]atomic.Int64
	misses   atomic.Int64
	writes   atomic.Int64
	enqueued atomic.Int64
	errors   atomic.Int64
}

// Stats is a snapshot of engine counters.
type Stats struct {
	L1Hits    int64 `json:"l1_hits"`
	L2Hits    int64 `json:"l2_hits"`
	L3Hits    int64 `json:"l3_hits"`
	Misses    int64 `json:"misses"`
	Writes    int64 `json:"writes"`
	Enqueued  int64 `json:"write_behind_enqueued"`
	Pending   int   `json:"write_behind_pending"`
	Errors    int64 `json:"errors"`
	L1Entries int   `json:"l1_entries"`
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		L1Hits:    e.stats.hits[0].Load(),
		L2Hits:    e.stats.hits[1].Load(),
		L3Hits:    e.stats.hits[2].Load(),
		Misses:    e.stats.misses.Load(),
		Writes:    e.stats.writes.Load(),
		Enqueued:  e.stats.enqueued.Load(),
		Pending:   len(e.queue),
		Errors:    e.stats.errors.Load(),
		L1Entries: e.l1.Len(),
	}
}

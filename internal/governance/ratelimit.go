package governance

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RateLimiterConfig defines a token bucket.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultMaxBuckets bounds a RateLimiter created with a non-positive size.
const DefaultMaxBuckets = 10000

// RateLimiter keeps one token bucket per key, created on first use with the
// configuration supplied by the caller so directives can carry their own
// limits. Buckets belong to an owner (the directive) and the least recently
// used ones are evicted once the limiter is full.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *tokenBucket]
	now     func() time.Time
}

// NewRateLimiter creates an empty limiter holding at most maxBuckets buckets.
func NewRateLimiter(maxBuckets int) *RateLimiter {
	if maxBuckets <= 0 {
		maxBuckets = DefaultMaxBuckets
	}
	buckets, _ := lru.New[string, *tokenBucket](maxBuckets)
	return &RateLimiter{buckets: buckets, now: time.Now}
}

// Allow takes a token from the bucket of owner and key. An empty key shares
// one bucket across the owner. It returns whether the call is admitted and,
// if not, how long until a token is available.
func (rl *RateLimiter) Allow(owner, key string, config RateLimiterConfig) (bool, time.Duration) {
	id := owner
	if key != "" {
		id += ":" + key
	}
	rl.mu.Lock()
	bucket, ok := rl.buckets.Get(id)
	if !ok {
		bucket = newTokenBucket(owner, config, rl.now())
		rl.buckets.Add(id, bucket)
	} else {
		bucket.configure(config)
	}
	rl.mu.Unlock()
	return bucket.take(rl.now())
}

// Forget drops every bucket whose owner is not in keep and returns how many
// were dropped.
func (rl *RateLimiter) Forget(keep map[string]bool) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for _, id := range rl.buckets.Keys() {
		if b, ok := rl.buckets.Peek(id); ok && !keep[b.owner] {
			rl.buckets.Remove(id)
			n++
		}
	}
	return n
}

// Len returns the number of live buckets.
func (rl *RateLimiter) Len() int { return rl.buckets.Len() }

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit     float64 `json:"limit"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
}

// Stats returns current rate limit statistics per bucket.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	keys := rl.buckets.Keys()
	stats := make(map[string]RateLimitStats, len(keys))
	for _, id := range keys {
		b, ok := rl.buckets.Peek(id)
		if !ok {
			continue
		}
		b.mu.Lock()
		b.refillLocked(now)
		stats[id] = RateLimitStats{Limit: b.rate, BurstSize: int(b.capacity), Available: b.tokens}
		b.mu.Unlock()
	}
	return stats
}

type tokenBucket struct {
	owner      string
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(owner string, config RateLimiterConfig, now time.Time) *tokenBucket {
	tb := &tokenBucket{owner: owner, lastRefill: now}
	tb.configure(config)
	tb.tokens = tb.capacity
	return tb
}

func (tb *tokenBucket) configure(config RateLimiterConfig) {
	rate := config.RequestsPerSecond
	if rate <= 0 {
		rate = 100
	}
	burst := float64(config.BurstSize)
	if burst <= 0 {
		burst = rate
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.rate = rate
	tb.capacity = burst
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	missing := 1 - tb.tokens
	return false, time.Duration(missing / tb.rate * float64(time.Second))
}

func (tb *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

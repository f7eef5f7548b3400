package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/polisai/directived/pkg/domain"
)

// InvalidationResult counts the keys removed per tier.
type InvalidationResult struct {
	L1 int `json:"l1"`
	L2 int `json:"l2"`
	L3 int `json:"l3"`
}

// Total is the number of keys removed across tiers.
func (r InvalidationResult) Total() int { return r.L1 + r.L2 + r.L3 }

// PartialInvalidationError reports tiers that could not be invalidated. L1 is
// always cleared, so stale local reads are impossible even when it is
// returned.
type PartialInvalidationError struct {
	Pattern string
	Result  InvalidationResult
	Failed  map[Tier]error
}

func (e *PartialInvalidationError) Error() string {
	tiers := make([]Tier, 0, len(e.Failed))
	for t := range e.Failed {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	parts := make([]string, len(tiers))
	for i, t := range tiers {
		parts[i] = fmt.Sprintf("%s: %v", t, e.Failed[t])
	}
	return fmt.Sprintf("invalidate %q partially failed (%s)", e.Pattern, strings.Join(parts, "; "))
}

// Unwrap exposes the per-tier errors to errors.Is and errors.As.
func (e *PartialInvalidationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// CompilePattern compiles a glob invalidation pattern. '*' matches any run
// of characters, '?' a single one; ':' is not a separator.
func CompilePattern(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return g, nil
}

// Invalidate removes every key matching pattern from all tiers. L2 and L3
// failures do not stop the other tiers; they are collected into a
// *PartialInvalidationError returned alongside the counts.
func (e *Engine) Invalidate(ctx context.Context, pattern string) (InvalidationResult, error) {
	g, err := CompilePattern(pattern)
	if err != nil {
		return InvalidationResult{}, err
	}

	e.invalidating.Add(1)
	e.invalidations.Add(1)
	defer func() {
		e.invalidations.Add(1)
		e.invalidating.Add(-1)
	}()

	var res InvalidationResult
	for _, key := range e.l1.Keys() {
		if g.Match(key) && e.l1.Remove(key) {
			res.L1++
		}
	}
	e.metrics.RecordCacheInvalidation(TierL1.String(), res.L1)

	failed := make(map[Tier]error)
	if e.l2 != nil {
		err := e.breaker.Execute(ctx, func(ctx context.Context) error {
			n, err := e.l2.DeleteMatching(ctx, pattern)
			res.L2 = n
			return err
		})
		if err != nil {
			failed[TierL2] = &domain.CacheError{Tier: TierL2.String(), Op: "invalidate", Key: pattern, Err: err}
		}
		e.metrics.RecordCacheInvalidation(TierL2.String(), res.L2)
	}
	if e.l3 != nil {
		n, err := e.l3.DeleteMatching(ctx, pattern)
		res.L3 = n
		if err != nil {
			failed[TierL3] = &domain.CacheError{Tier: TierL3.String(), Op: "invalidate", Key: pattern, Err: err}
		}
		e.metrics.RecordCacheInvalidation(TierL3.String(), res.L3)
	}

	if len(failed) > 0 {
		e.stats.errors.Add(int64(len(failed)))
		e.logger.Warn("cache invalidation partially failed", "pattern", pattern, "tiers", len(failed))
		return res, &PartialInvalidationError{Pattern: pattern, Result: res, Failed: failed}
	}
	return res, nil
}

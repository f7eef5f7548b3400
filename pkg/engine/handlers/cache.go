package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/directived/pkg/cache"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/runtime"
)

const stateCompleted = "completed"

// CacheHandler serves #cache directives. A hit short-circuits the pipeline
// with the stored value; a miss lets the pipeline continue and stores the
// final response once the pipeline completes.
type CacheHandler struct {
	cache  *cache.Engine
	logger *slog.Logger
}

// NewCacheHandler creates the cache handler over engine.
func NewCacheHandler(engine *cache.Engine, logger *slog.Logger) *CacheHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheHandler{cache: engine, logger: logger}
}

// Handle looks up the directive's key.
func (h *CacheHandler) Handle(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) runtime.Outcome {
	keyValue, err := attrs.Require(ctx, "key")
	if err != nil {
		return runtime.Fail(err)
	}
	if keyValue.IsNull() {
		return runtime.Failf("cache key resolved to null")
	}
	key := keyValue.String()

	ttl, err := attrs.DurationOr(ctx, "ttl", 0)
	if err != nil {
		return runtime.Fail(err)
	}
	opts, err := setOptions(ctx, attrs)
	if err != nil {
		return runtime.Fail(err)
	}

	v, ok, err := h.cache.Get(ctx, key)
	switch {
	case err != nil && errors.Is(err, domain.ErrTimeout):
		return runtime.Fail(err)
	case err != nil:
		// an unreachable authority degrades to a miss
		h.logger.Warn("cache lookup failed, treating as miss",
			"trace_id", ec.TraceID(),
			"directive", attrs.Directive().ID(),
			"key", key,
			"error", err,
		)
	case ok:
		return runtime.ShortCircuit(v)
	}

	id := attrs.Directive().ID()
	ec.OnComplete(func(state string, response *domain.Value) {
		if state != stateCompleted || response == nil {
			return
		}
		if err := h.cache.Set(context.WithoutCancel(ctx), key, *response, ttl, opts...); err != nil {
			h.logger.Warn("cache populate failed",
				"trace_id", ec.TraceID(),
				"directive", id,
				"key", key,
				"error", err,
			)
		}
	})
	return runtime.Continue()
}

func setOptions(ctx context.Context, attrs *runtime.Attributes) ([]cache.SetOption, error) {
	var opts []cache.SetOption
	tierName, err := attrs.StringOr(ctx, "tier", "")
	if err != nil {
		return nil, err
	}
	if tierName != "" {
		tier, ok := cache.ParseTier(tierName)
		if !ok {
			return nil, fmt.Errorf("unknown cache tier %q", tierName)
		}
		opts = append(opts, cache.WithTier(tier))
	}
	mode, err := attrs.StringOr(ctx, "mode", "write_through")
	if err != nil {
		return nil, err
	}
	if mode == "write_behind" {
		opts = append(opts, cache.WithWriteBehind())
	}
	return opts, nil
}

// InvalidateHandler removes every cached key matching the directive's
// pattern attribute from all tiers.
type InvalidateHandler struct {
	cache  *cache.Engine
	logger *slog.Logger
}

// NewInvalidateHandler creates the invalidation handler over engine.
func NewInvalidateHandler(engine *cache.Engine, logger *slog.Logger) *InvalidateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidateHandler{cache: engine, logger: logger}
}

// InvalidatedVar names the variable an invalidate directive binds its counts
// to.
func InvalidatedVar(directive string) string { return "invalidated_" + directive }

// Handle invalidates the pattern and binds the per-tier counts to
// "invalidated_<name>", so several invalidate directives in one pipeline each
// keep their own counts. A partial failure fails the directive after L1 was
// cleared.
func (h *InvalidateHandler) Handle(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) runtime.Outcome {
	pattern, err := attrs.Require(ctx, "pattern")
	if err != nil {
		return runtime.Fail(err)
	}
	p, ok := pattern.AsString()
	if !ok {
		return runtime.Fail(domain.NewTypeError("pattern must be string, got %s", pattern.Type()))
	}
	res, err := h.cache.Invalidate(ctx, p)
	counts := domain.Map(map[string]domain.Value{
		"l1":    domain.Int(int64(res.L1)),
		"l2":    domain.Int(int64(res.L2)),
		"l3":    domain.Int(int64(res.L3)),
		"total": domain.Int(int64(res.Total())),
	})
	if bindErr := ec.Bind(InvalidatedVar(attrs.Directive().Name), counts); bindErr != nil {
		h.logger.Warn("cache invalidation counts not bound",
			"trace_id", ec.TraceID(),
			"directive", attrs.Directive().ID(),
			"error", bindErr,
		)
	}
	if err != nil {
		return runtime.Fail(err)
	}
	h.logger.Debug("cache invalidated",
		"trace_id", ec.TraceID(),
		"pattern", p,
		"removed", res.Total(),
	)
	return runtime.Continue()
}

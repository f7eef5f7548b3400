package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/polisai/directived/internal/governance"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/runtime"
)

// RateLimitHandler applies a token bucket per resolved key. A directive
// without a key shares one bucket across all units.
type RateLimitHandler struct {
	limiter *governance.RateLimiter
	logger  *slog.Logger
}

// NewRateLimitHandler creates the handler over limiter. A nil limiter gets a
// private one with the default bound.
func NewRateLimitHandler(limiter *governance.RateLimiter, logger *slog.Logger) *RateLimitHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = governance.NewRateLimiter(0)
	}
	return &RateLimitHandler{limiter: limiter, logger: logger}
}

// Handle takes a token or short-circuits with 429.
func (h *RateLimitHandler) Handle(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) runtime.Outcome {
	rate, err := attrs.FloatOr(ctx, "rate", 100)
	if err != nil {
		return runtime.Fail(err)
	}
	burst, err := attrs.IntOr(ctx, "burst", 0)
	if err != nil {
		return runtime.Fail(err)
	}
	owner := attrs.Directive().ID()
	var bucket string
	if attrs.Has("key") {
		key, err := attrs.Require(ctx, "key")
		if err != nil {
			return runtime.Fail(err)
		}
		bucket = key.String()
	}

	allowed, wait := h.limiter.Allow(owner, bucket, governance.RateLimiterConfig{
		RequestsPerSecond: rate,
		BurstSize:         int(burst),
	})
	if allowed {
		return runtime.Continue()
	}
	h.logger.Info("rate limit exceeded",
		"trace_id", ec.TraceID(),
		"directive", owner,
		"bucket", bucket,
		"retry_after", wait,
	)
	body := domain.Map(map[string]domain.Value{
		"error":          domain.String("rate_limited"),
		"message":        domain.String("too many requests"),
		"retry_after_ms": domain.Int(wait.Milliseconds()),
	})
	return runtime.ShortCircuit(runtime.Response(http.StatusTooManyRequests, body))
}

// Package handlers provides the built-in directive handlers: cache, auth,
// rate limiting, responses, cache invalidation and audit logging.
package handlers

import (
	"log/slog"
	"strings"

	"github.com/polisai/directived/internal/governance"
	"github.com/polisai/directived/pkg/cache"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/runtime"
)

// Registrar is the part of the engine handler registry the built-ins need.
type Registrar interface {
	Register(name string, h runtime.Handler, aliases ...string) error
}

// Deps are the shared services built-in handlers use. Handlers whose
// dependency is nil are not registered.
type Deps struct {
	Cache  *cache.Engine
	Audit  domain.AuditSink
	Logger *slog.Logger

	// RateLimiter backs the ratelimit handler; nil gets a private limiter.
	RateLimiter *governance.RateLimiter
}

type builtin struct {
	name    string
	handler runtime.Handler
	aliases []string
}

// Register binds every built-in handler to r.
func Register(r Registrar, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	builtins := []builtin{
		{"auth", NewAuthHandler(logger), nil},
		{"ratelimit", NewRateLimitHandler(deps.RateLimiter, logger), []string{"rate_limit"}},
		{"respond", NewRespondHandler(), []string{"response"}},
	}
	if deps.Cache != nil {
		builtins = append(builtins,
			builtin{"cache", NewCacheHandler(deps.Cache, logger), nil},
			builtin{"invalidate", NewInvalidateHandler(deps.Cache, logger), []string{"cache_invalidate"}},
		)
	}
	if deps.Audit != nil {
		builtins = append(builtins, builtin{"audit_log", NewAuditHandler(deps.Audit), []string{"audit"}})
	}
	for _, b := range builtins {
		if err := r.Register(b.name, b.handler, b.aliases...); err != nil {
			return err
		}
	}
	return nil
}

// requestHeader reads a header from the request input root. Header names are
// stored lower-cased.
func requestHeader(ec *domain.ExecutionContext, name string) (string, bool) {
	v, ok := ec.Lookup([]string{"request", "headers", strings.ToLower(name)})
	if !ok {
		return "", false
	}
	if s, isString := v.AsString(); isString {
		return s, true
	}
	if items, isList := v.AsList(); isList && len(items) > 0 {
		s, isString := items[0].AsString()
		return s, isString
	}
	return "", false
}

func errorBody(code, message string) domain.Value {
	return domain.Map(map[string]domain.Value{
		"error":   domain.String(code),
		"message": domain.String(message),
	})
}

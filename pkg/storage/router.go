package storage

import (
	"context"
	"fmt"

	"github.com/polisai/directived/pkg/domain"
)

// Router dispatches a QuerySpec to the executor registered for its kind.
type Router struct {
	executors map[domain.QueryKind]domain.QueryExecutor
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{executors: make(map[domain.QueryKind]domain.QueryExecutor)}
}

// Handle registers exec for kind, replacing any previous executor. A nil
// exec is ignored so optional backends can be passed straight through.
func (r *Router) Handle(kind domain.QueryKind, exec domain.QueryExecutor) *Router {
	if exec != nil {
		r.executors[kind] = exec
	}
	return r
}

// Execute implements domain.QueryExecutor.
func (r *Router) Execute(ctx context.Context, spec domain.QuerySpec) (domain.Value, error) {
	exec, ok := r.executors[spec.Kind]
	if !ok {
		return domain.Null(), fmt.Errorf("%w: %s", ErrUnsupportedQuery, spec.Kind)
	}
	return exec.Execute(ctx, spec)
}

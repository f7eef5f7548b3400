package operators

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/polisai/directived/pkg/domain"
)

// Cache is the slice of the cache engine the data operators need.
type Cache interface {
	Get(ctx context.Context, key string) (domain.Value, bool, error)
	Put(ctx context.Context, key string, value domain.Value, ttl time.Duration) error
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
}

// Backends wires data operators to their capabilities. Nil fields leave the
// corresponding operators unregistered, so sources that use them fail to
// compile with ErrOperatorNotFound.
type Backends struct {
	Cache   Cache
	Query   domain.QueryExecutor
	Secrets domain.SecretProvider
	// Env reads environment variables; os.LookupEnv when nil and EnableEnv
	// is set.
	Env       func(string) (string, bool)
	EnableEnv bool
}

// RegisterDataOperators registers the side-effecting operator family.
func RegisterDataOperators(r *Registry, b Backends) error {
	var regs []func() error
	if b.Cache != nil {
		c := b.Cache
		regs = append(regs,
			func() error {
				return r.Register("cache", domain.OperatorCache, Sig(tAny, tString), func(ctx context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
					key, _ := a[0].AsString()
					v, ok, err := c.Get(ctx, key)
					if err != nil {
						return domain.Value{}, err
					}
					if !ok {
						return domain.Null(), nil
					}
					return v, nil
				})
			},
			func() error {
				return r.Register("cache_set", domain.OperatorCache, Signature{Params: []domain.Type{tString, tAny, tDuration}, Returns: tAny, Infer: func(args []domain.Type) (domain.Type, error) {
					return args[1], nil
				}}, func(ctx context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
					key, _ := a[0].AsString()
					ttl, _ := a[2].AsDuration()
					if err := c.Put(ctx, key, a[1], ttl); err != nil {
						return domain.Value{}, err
					}
					return a[1], nil
				})
			},
			func() error {
				return r.Register("cache_invalidate", domain.OperatorCache, Sig(tInt, tString), func(ctx context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
					pattern, _ := a[0].AsString()
					n, err := c.InvalidatePattern(ctx, pattern)
					if err != nil {
						return domain.Value{}, err
					}
					return domain.Int(int64(n)), nil
				})
			},
		)
	}
	if b.Query != nil {
		q := b.Query
		regs = append(regs,
			func() error {
				return r.Register("query", domain.OperatorQuery, Sig(tAny, tString, domain.TypeList), func(ctx context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
					stmt, _ := a[0].AsString()
					params, _ := a[1].AsList()
					return q.Execute(ctx, domain.QuerySpec{Kind: domain.QuerySQL, Statement: stmt, Params: params})
				})
			},
			func() error {
				return r.Register("file", domain.OperatorFile, Sig(tString, tString), func(ctx context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
					path, _ := a[0].AsString()
					v, err := q.Execute(ctx, domain.QuerySpec{Kind: domain.QueryFile, Path: path})
					if err != nil {
						return domain.Value{}, err
					}
					if v.Type() != domain.TypeString {
						return domain.Value{}, domain.NewTypeError("file executor returned %s", v.Type())
					}
					return v, nil
				})
			},
			func() error {
				return r.Register("http", domain.OperatorHTTP, Sig(tAny, tString, tString), func(ctx context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
					method, _ := a[0].AsString()
					url, _ := a[1].AsString()
					return q.Execute(ctx, domain.QuerySpec{Kind: domain.QueryHTTP, Method: method, URL: url})
				})
			},
		)
	}
	if b.Secrets != nil {
		s := b.Secrets
		regs = append(regs, func() error {
			return r.Register("secret", domain.OperatorSecret, Sig(tString, tString), func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
				name, _ := a[0].AsString()
				v, ok := s.GetSecret(name)
				if !ok {
					return domain.Value{}, fmt.Errorf("%w: secret %s", domain.ErrUnboundVariable, name)
				}
				return domain.String(v), nil
			})
		})
	}
	if b.EnableEnv || b.Env != nil {
		lookup := b.Env
		if lookup == nil {
			lookup = os.LookupEnv
		}
		regs = append(regs, func() error {
			return r.Register("env", domain.OperatorEnv, Sig(tAny, tString), func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
				name, _ := a[0].AsString()
				v, ok := lookup(name)
				if !ok {
					return domain.Null(), nil
				}
				return domain.String(v), nil
			})
		})
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

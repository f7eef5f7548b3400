package operators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/directived/pkg/domain"
)

// Resolver evaluates expression trees against an execution context.
//
// Evaluation is post-order and left to right. Every operator call result is
// memoized in the context under its structural hash, so a sub-expression
// that appears several times resolves once per context. The logical forms
// and, or, if and default evaluate their arguments lazily.
type Resolver struct {
	registry *Registry
	now      func() time.Time
}

// NewResolver creates a resolver over a registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry, now: time.Now}
}

// Registry returns the registry the resolver dispatches to.
func (r *Resolver) Registry() *Registry { return r.registry }

// Resolve evaluates e. The deadline carried by ctx and by ec is checked
// before and after every operator invocation.
func (r *Resolver) Resolve(ctx context.Context, e domain.Expression, ec *domain.ExecutionContext) (domain.Value, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return r.eval(ctx, e, ec)
}

func (r *Resolver) eval(ctx context.Context, e domain.Expression, ec *domain.ExecutionContext) (domain.Value, error) {
	switch n := e.(type) {
	case *domain.Literal:
		return n.Value, nil
	case *domain.VariableRef:
		return r.evalVariable(ctx, n, ec)
	case *domain.ListExpr:
		items := make([]domain.Value, len(n.Elems))
		for i, el := range n.Elems {
			v, err := r.eval(ctx, el, ec)
			if err != nil {
				return domain.Value{}, err
			}
			items[i] = v
		}
		return domain.List(items...), nil
	case *domain.OperatorCall:
		return r.evalCall(ctx, n, ec)
	case nil:
		return domain.Null(), nil
	}
	return domain.Value{}, fmt.Errorf("unsupported expression node %T", e)
}

func wrapOperatorErr(name string, err error) error {
	var re *domain.ResolveError
	if errors.As(err, &re) || errors.Is(err, domain.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("@%s: %w", name, domain.ErrTimeout)
	}
	return &domain.ResolveError{Expr: "@" + name, Err: err}
}

func (r *Resolver) evalVariable(ctx context.Context, n *domain.VariableRef, ec *domain.ExecutionContext) (domain.Value, error) {
	if v, ok := ec.Lookup(n.Path); ok {
		return v, nil
	}
	if n.Default != nil {
		return r.eval(ctx, n.Default, ec)
	}
	return domain.Value{}, &domain.ResolveError{
		Expr: n.Dotted(),
		Err:  fmt.Errorf("%w: %s", domain.ErrUnboundVariable, n.Dotted()),
	}
}

func (r *Resolver) evalCall(ctx context.Context, n *domain.OperatorCall, ec *domain.ExecutionContext) (domain.Value, error) {
	hash := n.Hash()
	if v, ok := ec.Memo(hash); ok {
		return v, nil
	}
	if err := ec.MemoErr(hash); err != nil {
		return domain.Value{}, err
	}

	spec, ok := r.registry.Lookup(n.Name)
	if !ok {
		return domain.Value{}, &domain.ResolveError{Expr: "@" + n.Name, Err: fmt.Errorf("%w: %s", domain.ErrOperatorNotFound, n.Name)}
	}
	if len(n.Args) != len(spec.Signature.Params) {
		return domain.Value{}, &domain.ResolveError{
			Expr: "@" + n.Name,
			Err:  domain.NewTypeError("%s takes %d argument(s), got %d", n.Name, len(spec.Signature.Params), len(n.Args)),
		}
	}

	var (
		result domain.Value
		err    error
	)
	if spec.lazy {
		result, err = r.evalLazy(ctx, n, ec)
	} else {
		result, err = r.invoke(ctx, spec, n, ec, hash)
	}
	if err != nil {
		return domain.Value{}, err
	}
	ec.StoreMemo(hash, result)
	return result, nil
}

// invoke evaluates the arguments and calls the operator. Argument failures
// are not memoized since a later directive may bind what was missing; a
// failure of the operator itself is, so a side effect runs at most once.
func (r *Resolver) invoke(ctx context.Context, spec *Spec, n *domain.OperatorCall, ec *domain.ExecutionContext, hash string) (domain.Value, error) {
	args := make([]domain.Value, len(n.Args))
	for i, a := range n.Args {
		v, err := r.eval(ctx, a, ec)
		if err != nil {
			return domain.Value{}, err
		}
		if !spec.Signature.Params[i].Accepts(v.Type()) {
			return domain.Value{}, &domain.ResolveError{
				Expr: "@" + n.Name,
				Err:  domain.NewTypeError("%s argument %d must be %s, got %s", n.Name, i+1, spec.Signature.Params[i], v.Type()),
			}
		}
		args[i] = v
	}

	if err := r.checkDeadline(ctx, ec); err != nil {
		return domain.Value{}, err
	}
	v, err := spec.Resolve(ctx, ec, args)
	if err != nil {
		err = wrapOperatorErr(n.Name, err)
		ec.StoreMemoErr(hash, err)
		return domain.Value{}, err
	}
	if err := r.checkDeadline(ctx, ec); err != nil {
		return domain.Value{}, err
	}
	return v, nil
}

func (r *Resolver) evalLazy(ctx context.Context, n *domain.OperatorCall, ec *domain.ExecutionContext) (domain.Value, error) {
	switch n.Name {
	case "and", "or":
		left, err := r.evalBool(ctx, n, 0, ec)
		if err != nil {
			return domain.Value{}, err
		}
		if n.Name == "and" && !left {
			return domain.Bool(false), nil
		}
		if n.Name == "or" && left {
			return domain.Bool(true), nil
		}
		right, err := r.evalBool(ctx, n, 1, ec)
		if err != nil {
			return domain.Value{}, err
		}
		return domain.Bool(right), nil
	case "if":
		cond, err := r.evalBool(ctx, n, 0, ec)
		if err != nil {
			return domain.Value{}, err
		}
		if cond {
			return r.eval(ctx, n.Args[1], ec)
		}
		return r.eval(ctx, n.Args[2], ec)
	case "default":
		v, err := r.eval(ctx, n.Args[0], ec)
		if err == nil && !v.IsNull() {
			return v, nil
		}
		if err != nil && !errors.Is(err, domain.ErrUnboundVariable) {
			return domain.Value{}, err
		}
		return r.eval(ctx, n.Args[1], ec)
	}
	return domain.Value{}, fmt.Errorf("operator %s has no lazy form", n.Name)
}

func (r *Resolver) evalBool(ctx context.Context, n *domain.OperatorCall, i int, ec *domain.ExecutionContext) (bool, error) {
	v, err := r.eval(ctx, n.Args[i], ec)
	if err != nil {
		return false, err
	}
	b, ok := v.AsBool()
	if !ok {
		return false, &domain.ResolveError{
			Expr: "@" + n.Name,
			Err:  domain.NewTypeError("%s argument %d must be bool, got %s", n.Name, i+1, v.Type()),
		}
	}
	return b, nil
}

func (r *Resolver) checkDeadline(ctx context.Context, ec *domain.ExecutionContext) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.ErrTimeout
		}
		return err
	}
	return ec.CheckDeadline(r.now())
}

// Package operators holds the operator registry and the expression resolver.
package operators

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/directived/pkg/domain"
)

// ResolveFunc computes an operator result from already resolved arguments.
type ResolveFunc func(ctx context.Context, ec *domain.ExecutionContext, args []domain.Value) (domain.Value, error)

// InferFunc computes the static result type of a polymorphic operator from
// the static argument types. It returns an error for combinations that can
// never succeed.
type InferFunc func(args []domain.Type) (domain.Type, error)

// Signature declares the fixed arity and positional parameter types of an
// operator.
type Signature struct {
	Params  []domain.Type
	Returns domain.Type
	Infer   InferFunc
}

// Sig is shorthand for a signature without inference.
func Sig(returns domain.Type, params ...domain.Type) Signature {
	return Signature{Params: params, Returns: returns}
}

// Spec is a registered operator.
type Spec struct {
	Name      string
	Kind      domain.OperatorKind
	Signature Signature
	Resolve   ResolveFunc
	// lazy operators receive unresolved arguments and are evaluated by the
	// resolver itself.
	lazy bool
}

// Registry maps operator names to specs. It is populated at startup, sealed,
// and read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]*Spec
	sealed bool
}

// NewRegistry returns a registry holding the built-in pure operators.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]*Spec)}
	registerBuiltins(r)
	return r
}

// Register adds an operator. Names are unique and registration after Seal
// fails.
func (r *Registry) Register(name string, kind domain.OperatorKind, sig Signature, fn ResolveFunc) error {
	if name == "" {
		return fmt.Errorf("operator name is required")
	}
	if fn == nil {
		return fmt.Errorf("operator %q: resolve function is required", name)
	}
	return r.add(&Spec{Name: name, Kind: kind, Signature: sig, Resolve: fn})
}

func (r *Registry) add(spec *Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("operator %q: registry is sealed", spec.Name)
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("operator %q already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(name string, kind domain.OperatorKind, sig Signature, fn ResolveFunc) {
	if err := r.Register(name, kind, sig, fn); err != nil {
		panic(err)
	}
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Names lists registered operators in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check validates an expression tree against the registry and returns its
// static type. Unknown operators fail with ErrOperatorNotFound, wrong arity
// or statically known argument mismatches with ErrTypeMismatch. Check binds
// each call's operator kind.
func (r *Registry) Check(e domain.Expression) (domain.Type, error) {
	switch n := e.(type) {
	case *domain.Literal:
		return n.Value.Type(), nil
	case *domain.VariableRef:
		if n.Default != nil {
			if _, err := r.Check(n.Default); err != nil {
				return domain.TypeAny, err
			}
		}
		return domain.TypeAny, nil
	case *domain.ListExpr:
		for _, el := range n.Elems {
			if _, err := r.Check(el); err != nil {
				return domain.TypeAny, err
			}
		}
		return domain.TypeList, nil
	case *domain.OperatorCall:
		spec, ok := r.Lookup(n.Name)
		if !ok {
			return domain.TypeAny, &domain.ResolveError{Expr: "@" + n.Name, Err: fmt.Errorf("%w: %s at %s", domain.ErrOperatorNotFound, n.Name, n.At)}
		}
		n.Kind = spec.Kind
		if len(n.Args) != len(spec.Signature.Params) {
			return domain.TypeAny, &domain.ResolveError{
				Expr: "@" + n.Name,
				Err:  domain.NewTypeError("%s takes %d argument(s), got %d at %s", n.Name, len(spec.Signature.Params), len(n.Args), n.At),
			}
		}
		argTypes := make([]domain.Type, len(n.Args))
		for i, a := range n.Args {
			t, err := r.Check(a)
			if err != nil {
				return domain.TypeAny, err
			}
			if !spec.Signature.Params[i].Accepts(t) {
				return domain.TypeAny, &domain.ResolveError{
					Expr: "@" + n.Name,
					Err:  domain.NewTypeError("%s argument %d must be %s, got %s at %s", n.Name, i+1, spec.Signature.Params[i], t, a.Pos()),
				}
			}
			argTypes[i] = t
		}
		if spec.Signature.Infer != nil {
			t, err := spec.Signature.Infer(argTypes)
			if err != nil {
				return domain.TypeAny, &domain.ResolveError{Expr: "@" + n.Name, Err: fmt.Errorf("%w at %s", err, n.At)}
			}
			return t, nil
		}
		return spec.Signature.Returns, nil
	case nil:
		return domain.TypeNull, nil
	}
	return domain.TypeAny, fmt.Errorf("unsupported expression node %T", e)
}

// Kinds returns the set of operator kinds an expression reaches.
func (r *Registry) Kinds(e domain.Expression) map[domain.OperatorKind]bool {
	out := make(map[domain.OperatorKind]bool)
	domain.WalkExpr(e, func(n domain.Expression) bool {
		if c, ok := n.(*domain.OperatorCall); ok {
			if spec, ok := r.Lookup(c.Name); ok {
				out[spec.Kind] = true
			}
		}
		return true
	})
	return out
}

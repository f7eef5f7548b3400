package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polisai/directived/pkg/directive"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/operators"
)

// ErrMissingAttribute is returned by Require for an undeclared attribute.
var ErrMissingAttribute = errors.New("missing attribute")

// Attributes is the lazily resolved attribute view handed to a handler. An
// attribute is resolved the first time it is read and the value is kept for
// the rest of the invocation, including retries.
type Attributes struct {
	directive *domain.Directive
	table     *directive.Table
	resolver  *operators.Resolver
	ec        *domain.ExecutionContext

	mu       sync.Mutex
	resolved map[string]domain.Value
}

// NewAttributes creates the view of d's attributes for one execution.
func NewAttributes(d *domain.Directive, table *directive.Table, resolver *operators.Resolver, ec *domain.ExecutionContext) *Attributes {
	return &Attributes{
		directive: d,
		table:     table,
		resolver:  resolver,
		ec:        ec,
		resolved:  make(map[string]domain.Value),
	}
}

// Directive returns the directive being executed.
func (a *Attributes) Directive() *domain.Directive { return a.directive }

// Table returns the table snapshot the pipeline was built from.
func (a *Attributes) Table() *directive.Table { return a.table }

// Has reports whether the attribute is declared, without resolving it.
func (a *Attributes) Has(key string) bool {
	_, ok := a.directive.Attributes.Get(key)
	return ok
}

// Lookup resolves key. ok is false when the attribute is not declared.
func (a *Attributes) Lookup(ctx context.Context, key string) (domain.Value, bool, error) {
	a.mu.Lock()
	if v, ok := a.resolved[key]; ok {
		a.mu.Unlock()
		return v, true, nil
	}
	a.mu.Unlock()

	raw, ok := a.directive.Attributes.Get(key)
	if !ok {
		return domain.Value{}, false, nil
	}
	v, err := a.resolve(ctx, raw)
	if err != nil {
		return domain.Value{}, true, fmt.Errorf("attribute %s: %w", key, err)
	}
	a.mu.Lock()
	a.resolved[key] = v
	a.mu.Unlock()
	return v, true, nil
}

// Require resolves key and fails when it is not declared.
func (a *Attributes) Require(ctx context.Context, key string) (domain.Value, error) {
	v, ok, err := a.Lookup(ctx, key)
	if err != nil {
		return domain.Value{}, err
	}
	if !ok {
		return domain.Value{}, fmt.Errorf("%w: %s", ErrMissingAttribute, key)
	}
	return v, nil
}

// StringOr resolves key as a string, returning def when it is not declared.
func (a *Attributes) StringOr(ctx context.Context, key, def string) (string, error) {
	v, ok, err := a.Lookup(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	s, isString := v.AsString()
	if !isString {
		return def, domain.NewTypeError("attribute %s must be string, got %s", key, v.Type())
	}
	return s, nil
}

// IntOr resolves key as an integer, returning def when it is not declared.
func (a *Attributes) IntOr(ctx context.Context, key string, def int64) (int64, error) {
	v, ok, err := a.Lookup(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	n, isInt := v.AsInt()
	if !isInt {
		return def, domain.NewTypeError("attribute %s must be int, got %s", key, v.Type())
	}
	return n, nil
}

// FloatOr resolves key as a number. Int values are accepted because a
// numeric literal without a fraction parses as an Int.
func (a *Attributes) FloatOr(ctx context.Context, key string, def float64) (float64, error) {
	v, ok, err := a.Lookup(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	if f, isFloat := v.AsFloat(); isFloat {
		return f, nil
	}
	if n, isInt := v.AsInt(); isInt {
		return float64(n), nil
	}
	return def, domain.NewTypeError("attribute %s must be a number, got %s", key, v.Type())
}

// DurationOr resolves key as a duration, returning def when it is not
// declared.
func (a *Attributes) DurationOr(ctx context.Context, key string, def time.Duration) (time.Duration, error) {
	v, ok, err := a.Lookup(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	d, isDuration := v.AsDuration()
	if !isDuration {
		return def, domain.NewTypeError("attribute %s must be duration, got %s", key, v.Type())
	}
	return d, nil
}

// BoolOr resolves key as a boolean, returning def when it is not declared.
func (a *Attributes) BoolOr(ctx context.Context, key string, def bool) (bool, error) {
	v, ok, err := a.Lookup(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	b, isBool := v.AsBool()
	if !isBool {
		return def, domain.NewTypeError("attribute %s must be bool, got %s", key, v.Type())
	}
	return b, nil
}

// Resolved lists the attributes resolved so far, sorted.
func (a *Attributes) Resolved() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.resolved))
	for k := range a.resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Attributes) resolve(ctx context.Context, raw domain.AttributeValue) (domain.Value, error) {
	switch raw.Kind {
	case domain.AttrLiteral:
		return raw.Literal, nil
	case domain.AttrDirectiveRef:
		return domain.String(raw.Ref), nil
	case domain.AttrExpression:
		return a.resolver.Resolve(ctx, raw.Expr, a.ec)
	case domain.AttrObject:
		out := make(map[string]domain.Value, raw.Object.Len())
		for _, k := range raw.Object.Keys() {
			inner, _ := raw.Object.Get(k)
			v, err := a.resolve(ctx, inner)
			if err != nil {
				return domain.Value{}, err
			}
			out[k] = v
		}
		return domain.Map(out), nil
	case domain.AttrList:
		items := make([]domain.Value, len(raw.List))
		for i, inner := range raw.List {
			v, err := a.resolve(ctx, inner)
			if err != nil {
				return domain.Value{}, err
			}
			items[i] = v
		}
		return domain.List(items...), nil
	}
	return domain.Value{}, fmt.Errorf("unsupported attribute kind %d", raw.Kind)
}

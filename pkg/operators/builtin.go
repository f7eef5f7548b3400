package operators

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/directived/pkg/domain"
)

var errDivisionByZero = errors.New("division by zero")

const (
	tAny      = domain.TypeAny
	tBool     = domain.TypeBool
	tInt      = domain.TypeInt
	tFloat    = domain.TypeFloat
	tString   = domain.TypeString
	tDuration = domain.TypeDuration
)

func registerBuiltins(r *Registry) {
	// lazy forms
	for _, l := range []struct {
		name string
		sig  Signature
	}{
		{"and", Sig(tBool, tBool, tBool)},
		{"or", Sig(tBool, tBool, tBool)},
		{"if", Signature{Params: []domain.Type{tBool, tAny, tAny}, Returns: tAny, Infer: inferIf}},
		{"default", Signature{Params: []domain.Type{tAny, tAny}, Returns: tAny, Infer: inferDefault}},
	} {
		mustAdd(r, &Spec{Name: l.name, Kind: domain.OperatorPure, Signature: l.sig, Resolve: lazyPlaceholder, lazy: true})
	}

	arith := Signature{Params: []domain.Type{tAny, tAny}, Returns: tAny, Infer: inferArithmetic}
	r.MustRegister("add", domain.OperatorPure, Signature{Params: arith.Params, Returns: tAny, Infer: inferAdd}, opAdd)
	r.MustRegister("sub", domain.OperatorPure, arith, numeric("sub", func(a, b int64) (int64, error) { return a - b, nil }, func(a, b float64) float64 { return a - b }))
	r.MustRegister("mul", domain.OperatorPure, Signature{Params: arith.Params, Returns: tAny, Infer: inferNumeric}, numeric("mul", func(a, b int64) (int64, error) { return a * b, nil }, func(a, b float64) float64 { return a * b }))
	r.MustRegister("div", domain.OperatorPure, Signature{Params: arith.Params, Returns: tAny, Infer: inferNumeric}, numeric("div", func(a, b int64) (int64, error) {
		if b == 0 {
			return 0, errDivisionByZero
		}
		return a / b, nil
	}, func(a, b float64) float64 { return a / b }))
	r.MustRegister("mod", domain.OperatorPure, Signature{Params: arith.Params, Returns: tAny, Infer: inferNumeric}, numeric("mod", func(a, b int64) (int64, error) {
		if b == 0 {
			return 0, errDivisionByZero
		}
		return a % b, nil
	}, math.Mod))
	r.MustRegister("neg", domain.OperatorPure, Signature{Params: []domain.Type{tAny}, Returns: tAny, Infer: inferNeg}, opNeg)

	r.MustRegister("eq", domain.OperatorPure, Sig(tBool, tAny, tAny), func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		return domain.Bool(a[0].Equal(a[1])), nil
	})
	r.MustRegister("ne", domain.OperatorPure, Sig(tBool, tAny, tAny), func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		return domain.Bool(!a[0].Equal(a[1])), nil
	})
	ordered := Signature{Params: []domain.Type{tAny, tAny}, Returns: tBool, Infer: inferOrdered}
	r.MustRegister("lt", domain.OperatorPure, ordered, comparison(func(c int) bool { return c < 0 }))
	r.MustRegister("le", domain.OperatorPure, ordered, comparison(func(c int) bool { return c <= 0 }))
	r.MustRegister("gt", domain.OperatorPure, ordered, comparison(func(c int) bool { return c > 0 }))
	r.MustRegister("ge", domain.OperatorPure, ordered, comparison(func(c int) bool { return c >= 0 }))
	r.MustRegister("not", domain.OperatorPure, Sig(tBool, tBool), func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		b, _ := a[0].AsBool()
		return domain.Bool(!b), nil
	})

	// explicit conversions
	r.MustRegister("string", domain.OperatorPure, Sig(tString, tAny), func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		return domain.String(a[0].String()), nil
	})
	r.MustRegister("int", domain.OperatorPure, Sig(tInt, tAny), castInt)
	r.MustRegister("float", domain.OperatorPure, Sig(tFloat, tAny), castFloat)
	r.MustRegister("bool", domain.OperatorPure, Sig(tBool, tAny), castBool)
	r.MustRegister("duration", domain.OperatorPure, Sig(tDuration, tAny), castDuration)

	// strings and encodings
	r.MustRegister("concat", domain.OperatorPure, Sig(tString, tString, tString), func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		x, _ := a[0].AsString()
		y, _ := a[1].AsString()
		return domain.String(x + y), nil
	})
	r.MustRegister("lower", domain.OperatorPure, Sig(tString, tString), stringFunc(strings.ToLower))
	r.MustRegister("upper", domain.OperatorPure, Sig(tString, tString), stringFunc(strings.ToUpper))
	r.MustRegister("trim", domain.OperatorPure, Sig(tString, tString), stringFunc(strings.TrimSpace))
	r.MustRegister("base64", domain.OperatorPure, Sig(tString, tString), stringFunc(func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}))
	r.MustRegister("hash", domain.OperatorPure, Sig(tString, tString), stringFunc(func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	}))
	r.MustRegister("contains", domain.OperatorPure, Sig(tBool, tAny, tAny), opContains)
	r.MustRegister("len", domain.OperatorPure, Sig(tInt, tAny), func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		n := a[0].Len()
		if n < 0 {
			return domain.Value{}, domain.NewTypeError("len of %s", a[0].Type())
		}
		return domain.Int(int64(n)), nil
	})
	r.MustRegister("json", domain.OperatorPure, Sig(tString, tAny), func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		data, err := json.Marshal(a[0])
		if err != nil {
			return domain.Value{}, err
		}
		return domain.String(string(data)), nil
	})

	// identifiers and time; results are memoized, so each is stable within
	// one execution context
	r.MustRegister("now", domain.OperatorPure, Sig(tString), func(context.Context, *domain.ExecutionContext, []domain.Value) (domain.Value, error) {
		return domain.String(time.Now().UTC().Format(time.RFC3339Nano)), nil
	})
	r.MustRegister("uuid", domain.OperatorPure, Sig(tString), func(context.Context, *domain.ExecutionContext, []domain.Value) (domain.Value, error) {
		return domain.String(uuid.NewString()), nil
	})
}

func mustAdd(r *Registry, s *Spec) {
	if err := r.add(s); err != nil {
		panic(err)
	}
}

func lazyPlaceholder(context.Context, *domain.ExecutionContext, []domain.Value) (domain.Value, error) {
	return domain.Value{}, fmt.Errorf("lazy operator invoked eagerly")
}

func stringFunc(fn func(string) string) ResolveFunc {
	return func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		s, _ := a[0].AsString()
		return domain.String(fn(s)), nil
	}
}

func opAdd(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
	x, y := a[0], a[1]
	if x.Type() != y.Type() {
		return domain.Value{}, domain.NewTypeError("add %s and %s", x.Type(), y.Type())
	}
	switch x.Type() {
	case domain.TypeString:
		xs, _ := x.AsString()
		ys, _ := y.AsString()
		return domain.String(xs + ys), nil
	case domain.TypeDuration:
		xd, _ := x.AsDuration()
		yd, _ := y.AsDuration()
		return domain.Duration(xd + yd), nil
	}
	return numeric("add", func(a, b int64) (int64, error) { return a + b, nil }, func(a, b float64) float64 { return a + b })(context.Background(), nil, a)
}

func numeric(name string, ints func(a, b int64) (int64, error), floats func(a, b float64) float64) ResolveFunc {
	return func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		x, y := a[0], a[1]
		if x.Type() != y.Type() {
			return domain.Value{}, domain.NewTypeError("%s %s and %s", name, x.Type(), y.Type())
		}
		switch x.Type() {
		case domain.TypeInt:
			xi, _ := x.AsInt()
			yi, _ := y.AsInt()
			v, err := ints(xi, yi)
			if err != nil {
				return domain.Value{}, err
			}
			return domain.Int(v), nil
		case domain.TypeFloat:
			xf, _ := x.AsFloat()
			yf, _ := y.AsFloat()
			return domain.Float(floats(xf, yf)), nil
		case domain.TypeDuration:
			if name != "sub" {
				break
			}
			xd, _ := x.AsDuration()
			yd, _ := y.AsDuration()
			return domain.Duration(xd - yd), nil
		}
		return domain.Value{}, domain.NewTypeError("%s of %s", name, x.Type())
	}
}

func opNeg(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
	switch a[0].Type() {
	case domain.TypeInt:
		i, _ := a[0].AsInt()
		return domain.Int(-i), nil
	case domain.TypeFloat:
		f, _ := a[0].AsFloat()
		return domain.Float(-f), nil
	case domain.TypeDuration:
		d, _ := a[0].AsDuration()
		return domain.Duration(-d), nil
	}
	return domain.Value{}, domain.NewTypeError("neg of %s", a[0].Type())
}

func comparison(pred func(int) bool) ResolveFunc {
	return func(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
		c, err := compare(a[0], a[1])
		if err != nil {
			return domain.Value{}, err
		}
		return domain.Bool(pred(c)), nil
	}
}

func compare(x, y domain.Value) (int, error) {
	if x.Type() != y.Type() {
		return 0, domain.NewTypeError("compare %s with %s", x.Type(), y.Type())
	}
	switch x.Type() {
	case domain.TypeInt:
		a, _ := x.AsInt()
		b, _ := y.AsInt()
		return cmp(a < b, a > b), nil
	case domain.TypeFloat:
		a, _ := x.AsFloat()
		b, _ := y.AsFloat()
		return cmp(a < b, a > b), nil
	case domain.TypeString:
		a, _ := x.AsString()
		b, _ := y.AsString()
		return strings.Compare(a, b), nil
	case domain.TypeDuration:
		a, _ := x.AsDuration()
		b, _ := y.AsDuration()
		return cmp(a < b, a > b), nil
	}
	return 0, domain.NewTypeError("%s values are not ordered", x.Type())
}

func cmp(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func opContains(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
	hay, needle := a[0], a[1]
	switch hay.Type() {
	case domain.TypeString:
		s, _ := hay.AsString()
		n, ok := needle.AsString()
		if !ok {
			return domain.Value{}, domain.NewTypeError("contains on string needs a string, got %s", needle.Type())
		}
		return domain.Bool(strings.Contains(s, n)), nil
	case domain.TypeList:
		items, _ := hay.AsList()
		for _, it := range items {
			if it.Equal(needle) {
				return domain.Bool(true), nil
			}
		}
		return domain.Bool(false), nil
	case domain.TypeMap:
		k, ok := needle.AsString()
		if !ok {
			return domain.Value{}, domain.NewTypeError("contains on map needs a string key, got %s", needle.Type())
		}
		_, found := hay.Field(k)
		return domain.Bool(found), nil
	}
	return domain.Value{}, domain.NewTypeError("contains on %s", hay.Type())
}

func castInt(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
	v := a[0]
	switch v.Type() {
	case domain.TypeInt:
		return v, nil
	case domain.TypeFloat:
		f, _ := v.AsFloat()
		return domain.Int(int64(f)), nil
	case domain.TypeString:
		s, _ := v.AsString()
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return domain.Value{}, domain.NewTypeError("cannot convert %q to int", s)
		}
		return domain.Int(i), nil
	case domain.TypeBool:
		if v.Truthy() {
			return domain.Int(1), nil
		}
		return domain.Int(0), nil
	case domain.TypeDuration:
		d, _ := v.AsDuration()
		return domain.Int(int64(d)), nil
	}
	return domain.Value{}, domain.NewTypeError("cannot convert %s to int", v.Type())
}

func castFloat(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
	v := a[0]
	switch v.Type() {
	case domain.TypeFloat:
		return v, nil
	case domain.TypeInt:
		i, _ := v.AsInt()
		return domain.Float(float64(i)), nil
	case domain.TypeString:
		s, _ := v.AsString()
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return domain.Value{}, domain.NewTypeError("cannot convert %q to float", s)
		}
		return domain.Float(f), nil
	}
	return domain.Value{}, domain.NewTypeError("cannot convert %s to float", v.Type())
}

func castBool(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
	v := a[0]
	switch v.Type() {
	case domain.TypeBool:
		return v, nil
	case domain.TypeString:
		s, _ := v.AsString()
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return domain.Value{}, domain.NewTypeError("cannot convert %q to bool", s)
		}
		return domain.Bool(b), nil
	case domain.TypeInt:
		i, _ := v.AsInt()
		return domain.Bool(i != 0), nil
	case domain.TypeNull:
		return domain.Bool(false), nil
	}
	return domain.Value{}, domain.NewTypeError("cannot convert %s to bool", v.Type())
}

func castDuration(_ context.Context, _ *domain.ExecutionContext, a []domain.Value) (domain.Value, error) {
	v := a[0]
	switch v.Type() {
	case domain.TypeDuration:
		return v, nil
	case domain.TypeString:
		s, _ := v.AsString()
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return domain.Value{}, domain.NewTypeError("cannot convert %q to duration", s)
		}
		return domain.Duration(d), nil
	case domain.TypeInt:
		// integers are read as seconds
		i, _ := v.AsInt()
		return domain.Duration(time.Duration(i) * time.Second), nil
	}
	return domain.Value{}, domain.NewTypeError("cannot convert %s to duration", v.Type())
}

// static inference helpers

func known(t domain.Type) bool { return t != domain.TypeAny }

func inferIf(args []domain.Type) (domain.Type, error) {
	if known(args[1]) && args[1] == args[2] {
		return args[1], nil
	}
	return tAny, nil
}

func inferDefault(args []domain.Type) (domain.Type, error) {
	if known(args[0]) && args[0] == args[1] {
		return args[0], nil
	}
	return tAny, nil
}

func inferAdd(args []domain.Type) (domain.Type, error) {
	return inferSame(args, "add", tInt, tFloat, tString, tDuration)
}

func inferArithmetic(args []domain.Type) (domain.Type, error) {
	return inferSame(args, "sub", tInt, tFloat, tDuration)
}

func inferNumeric(args []domain.Type) (domain.Type, error) {
	return inferSame(args, "arithmetic", tInt, tFloat)
}

func inferNeg(args []domain.Type) (domain.Type, error) {
	switch args[0] {
	case tAny, tInt, tFloat, tDuration:
		return args[0], nil
	}
	return tAny, domain.NewTypeError("neg of %s", args[0])
}

func inferOrdered(args []domain.Type) (domain.Type, error) {
	if _, err := inferSame(args, "compare", tInt, tFloat, tString, tDuration); err != nil {
		return tAny, err
	}
	return tBool, nil
}

// inferSame requires both operands to share one of the allowed types. When
// either side is only known at runtime the result is dynamic.
func inferSame(args []domain.Type, name string, allowed ...domain.Type) (domain.Type, error) {
	a, b := args[0], args[1]
	for _, t := range []domain.Type{a, b} {
		if known(t) && !typeIn(t, allowed) {
			return tAny, domain.NewTypeError("%s does not accept %s", name, t)
		}
	}
	if known(a) && known(b) {
		if a != b {
			return tAny, domain.NewTypeError("%s %s and %s", name, a, b)
		}
		return a, nil
	}
	if known(a) {
		return a, nil
	}
	return b, nil
}

func typeIn(t domain.Type, set []domain.Type) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

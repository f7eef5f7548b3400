package operators

import (
	"context"
	"errors"
	"testing"

	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/expr"
)

func TestRegistryRejectsDuplicatesAndSealed(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, *domain.ExecutionContext, []domain.Value) (domain.Value, error) {
		return domain.Null(), nil
	}
	if err := r.Register("add", domain.OperatorPure, Sig(tAny), noop); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register("custom_op", domain.OperatorCustom, Sig(tAny), noop); err != nil {
		t.Fatalf("register custom_op: %v", err)
	}
	r.Seal()
	if err := r.Register("late", domain.OperatorCustom, Sig(tAny), noop); err == nil {
		t.Fatal("expected registration after Seal to fail")
	}
	if _, ok := r.Lookup("custom_op"); !ok {
		t.Fatal("custom_op not found after seal")
	}
}

func TestRegistryCheck(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		src     string
		want    domain.Type
		wantErr error
	}{
		{src: `"a" + "b"`, want: domain.TypeString},
		{src: `1 + 2 * 3`, want: domain.TypeInt},
		{src: `request.id + "x"`, want: domain.TypeString},
		{src: `request.n > 3 && true`, want: domain.TypeBool},
		{src: `@if(true, 1, 2)`, want: domain.TypeInt},
		{src: `@upper(name)`, want: domain.TypeString},
		{src: `[1, "a"]`, want: domain.TypeList},
		{src: `@nope(1)`, wantErr: domain.ErrOperatorNotFound},
		{src: `@upper("a", "b")`, wantErr: domain.ErrTypeMismatch},
		{src: `@upper(1)`, wantErr: domain.ErrTypeMismatch},
		{src: `1 + 1.5`, wantErr: domain.ErrTypeMismatch},
		{src: `"a" * 2`, wantErr: domain.ErrTypeMismatch},
		{src: `!"x"`, wantErr: domain.ErrTypeMismatch},
		{src: `x ?? @missing()`, wantErr: domain.ErrOperatorNotFound},
	}
	for _, tt := range tests {
		e, err := expr.Parse(tt.src)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.src, err)
		}
		got, err := r.Check(e)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Check(%q) error = %v, want %v", tt.src, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Check(%q) error = %v", tt.src, err)
		}
		if got != tt.want {
			t.Fatalf("Check(%q) = %s, want %s", tt.src, got, tt.want)
		}
	}
}

func TestRegistryCheckBindsKinds(t *testing.T) {
	r := NewRegistry()
	if err := RegisterDataOperators(r, Backends{Env: func(string) (string, bool) { return "", false }}); err != nil {
		t.Fatal(err)
	}
	e, err := expr.Parse(`@lower(@env("HOME"))`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Check(e); err != nil {
		t.Fatalf("Check: %v", err)
	}
	inner := e.(*domain.OperatorCall).Args[0].(*domain.OperatorCall)
	if inner.Kind != domain.OperatorEnv {
		t.Fatalf("env call bound to kind %s", inner.Kind)
	}
	kinds := r.Kinds(e)
	if !kinds[domain.OperatorEnv] || !kinds[domain.OperatorPure] {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestDataOperatorsUnregisteredWithoutBackends(t *testing.T) {
	r := NewRegistry()
	if err := RegisterDataOperators(r, Backends{}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"cache", "query", "file", "http", "secret", "env"} {
		if _, ok := r.Lookup(name); ok {
			t.Fatalf("%s registered without a backend", name)
		}
	}
}

package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/polisai/directived/pkg/directive"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/runtime"
	"github.com/polisai/directived/pkg/operators"
)

var noop = runtime.HandlerFunc(func(context.Context, *domain.ExecutionContext, *runtime.Attributes) runtime.Outcome {
	return runtime.Continue()
})

func TestHandlerRegistryResolveAliases(t *testing.T) {
	registry := NewHandlerRegistry()
	if err := registry.Register("ratelimit", noop, "rate_limit"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, canonical, ok := registry.Resolve("rate_limit")
	if !ok {
		t.Fatalf("expected rate_limit alias to resolve")
	}
	if canonical != "ratelimit" {
		t.Fatalf("expected canonical ratelimit, got %q", canonical)
	}
	if _, _, ok := registry.Resolve("throttle"); ok {
		t.Fatalf("unexpected resolution for unregistered name")
	}
}

func TestHandlerRegistryRejectsDuplicates(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.MustRegister("cache", noop, "memo")

	tests := []struct {
		name    string
		aliases []string
	}{
		{"cache", nil},
		{"memo", nil},
		{"lookup", []string{"cache"}},
		{"other", []string{"memo"}},
	}
	for _, tt := range tests {
		if err := registry.Register(tt.name, noop, tt.aliases...); err == nil {
			t.Fatalf("expected conflict registering %s %v", tt.name, tt.aliases)
		}
	}
	if err := registry.Register("", noop); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := registry.Register("nil", nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
	if got := registry.Names(); len(got) != 1 || got[0] != "cache" {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestHandlerRegistryValidate(t *testing.T) {
	reg := operators.NewRegistry()
	reg.Seal()
	table, err := directive.NewCompiler(reg, directive.DefaultOptions()).Compile(`
#custom a { handler: known }
#custom b { handler: ghost }
#route c { path: "/c", handler: phantom }
`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	registry := NewHandlerRegistry()
	registry.MustRegister("known", noop)

	err = registry.Validate(table)
	if !errors.Is(err, domain.ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
	for _, want := range []string{"custom.b", "route.c"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}

	registry.MustRegister("ghost", noop)
	registry.MustRegister("phantom", noop)
	if err := registry.Validate(table); err != nil {
		t.Fatalf("expected valid table, got %v", err)
	}
}

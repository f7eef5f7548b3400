package expr

import (
	"errors"
	"testing"
	"time"

	"github.com/polisai/directived/pkg/domain"
)

func TestParse_Desugaring(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "string concatenation with variable",
			src:  `"items:" + request.id`,
			want: `@add(lit(string:"items:"),var(request.id))`,
		},
		{
			name: "precedence of multiplication over addition",
			src:  "1 + 2 * 3",
			want: "@add(lit(int:1),@mul(lit(int:2),lit(int:3)))",
		},
		{
			name: "logical operators and comparison",
			src:  `request.method == "GET" && !identity.admin || true`,
			want: `@or(@and(@eq(var(request.method),lit(string:"GET")),@not(var(identity.admin))),lit(bool:true))`,
		},
		{
			name: "default on variable",
			src:  `request.query.page ?? 1`,
			want: "var(request.query.page??lit(int:1))",
		},
		{
			name: "default on call",
			src:  `@env("PORT") ?? "8080"`,
			want: `@default(@env(lit(string:"PORT")),lit(string:"8080"))`,
		},
		{
			name: "operator call without parentheses",
			src:  "@now",
			want: "@now()",
		},
		{
			name: "duration and negative literals",
			src:  "@cache_set(k, [1, -2.5], 1h30m)",
			want: "@cache_set(var(k),[lit(int:1),lit(float:-2.5)],lit(duration:1h30m0s))",
		},
		{
			name: "dashed header names",
			src:  "request.headers.x-api-key",
			want: "var(request.headers.x-api-key)",
		},
		{
			name: "unary minus on variable",
			src:  "-count",
			want: "@neg(var(count))",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.src)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.src, err)
			}
			if got.String() != tt.want {
				t.Fatalf("Parse(%q) = %s, want %s", tt.src, got.String(), tt.want)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"",
		"1 +",
		"@(1)",
		`"unterminated`,
		"@f(1, 2",
		"1 2",
		"5xs",
		"/* open comment",
	}
	for _, src := range tests {
		_, err := Parse(src)
		if !errors.Is(err, ErrSyntax) {
			t.Fatalf("Parse(%q) expected ErrSyntax, got %v", src, err)
		}
	}
}

func TestParse_Positions(t *testing.T) {
	e, err := Parse("// header\n  @upper(name)")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if pos := e.Pos(); pos.Line != 2 || pos.Column != 3 {
		t.Fatalf("position = %v, want 2:3", pos)
	}
	_, err = Parse("1 +\n   )")
	var se *SyntaxError
	if !errors.As(err, &se) || se.Pos.Line != 2 {
		t.Fatalf("expected syntax error on line 2, got %v", err)
	}
}

func TestParse_DurationLiteral(t *testing.T) {
	e, err := Parse("30s")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	lit, ok := e.(*domain.Literal)
	if !ok {
		t.Fatalf("expected literal, got %T", e)
	}
	if d, ok := lit.Value.AsDuration(); !ok || d != 30*time.Second {
		t.Fatalf("duration = %v", lit.Value)
	}
}

func TestParser_StopsAtNonContinuingToken(t *testing.T) {
	p := NewParser(`"a" + b ttl: 30s`)
	if _, err := p.ParseExpression(); err != nil {
		t.Fatalf("ParseExpression error = %v", err)
	}
	if p.Cur().Type != TokenIdent || p.Cur().Literal != "ttl" {
		t.Fatalf("parser stopped at %v", p.Cur())
	}
}

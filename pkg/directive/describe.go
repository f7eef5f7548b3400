package directive

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/polisai/directived/pkg/domain"
)

// Describe renders the table in execution order, one directive per block.
// Attributes are listed by name, so sources that differ only in attribute
// order describe the same. The output is meant for tooling and review, not
// for parsing.
func (t *Table) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "directives: %d\n", t.Len())
	for _, d := range Ordered(t.directives) {
		fmt.Fprintf(&b, "\n%s priority=%d order=%d", d.ID(), d.Priority, d.Order)
		if d.HandlerRef != "" {
			fmt.Fprintf(&b, " handler=%s", d.HandlerRef)
		}
		fmt.Fprintf(&b, " on_failure=%s", d.OnFailure)
		if d.RedirectTo != "" {
			fmt.Fprintf(&b, " redirect_to=%s", d.RedirectTo)
		}
		if d.MaxRetries > 0 {
			fmt.Fprintf(&b, " max_retries=%d", d.MaxRetries)
		}
		if t.IsChainMember(d) {
			b.WriteString(" member")
		}
		b.WriteByte('\n')
		if d.Condition != nil {
			fmt.Fprintf(&b, "  when: %s\n", d.Condition.String())
		}
		if len(d.Chain) > 0 {
			fmt.Fprintf(&b, "  chain: %s\n", strings.Join(d.Chain, " -> "))
		}
		for _, key := range sortedKeys(d.Attributes) {
			v, _ := d.Attributes.Get(key)
			fmt.Fprintf(&b, "  %s: %s\n", key, renderAttr(v))
		}
	}
	return b.String()
}

func renderAttr(v domain.AttributeValue) string {
	switch v.Kind {
	case domain.AttrLiteral:
		if s, ok := v.Literal.AsString(); ok {
			return strconv.Quote(s)
		}
		return v.Literal.String()
	case domain.AttrExpression:
		return v.Expr.String()
	case domain.AttrDirectiveRef:
		return "&" + v.Ref
	case domain.AttrObject:
		parts := make([]string, 0, v.Object.Len())
		for _, k := range sortedKeys(v.Object) {
			inner, _ := v.Object.Get(k)
			parts = append(parts, k+": "+renderAttr(inner))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case domain.AttrList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = renderAttr(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return "?"
}

func sortedKeys(a *domain.Attributes) []string {
	keys := a.Keys()
	sort.Strings(keys)
	return keys
}

package directive

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/robfig/cron/v3"

	"github.com/polisai/directived/pkg/domain"
)

// Table is the immutable result of one successful compile.
type Table struct {
	directives []*domain.Directive
	byID       map[string]*domain.Directive
	byName     map[string][]*domain.Directive
	members    map[string]bool
	schedules  map[string]cron.Schedule
	policies   map[string]*ast.Module
	digest     string
	compiledAt time.Time
}

func newTable(digest string) *Table {
	return &Table{
		byID:       make(map[string]*domain.Directive),
		byName:     make(map[string][]*domain.Directive),
		members:    make(map[string]bool),
		schedules:  make(map[string]cron.Schedule),
		policies:   make(map[string]*ast.Module),
		digest:     digest,
		compiledAt: time.Now(),
	}
}

func (t *Table) add(d *domain.Directive) bool {
	if _, exists := t.byID[d.ID()]; exists {
		return false
	}
	t.directives = append(t.directives, d)
	t.byID[d.ID()] = d
	t.byName[d.Name] = append(t.byName[d.Name], d)
	return true
}

// Directives returns every directive in declaration order.
func (t *Table) Directives() []*domain.Directive {
	cp := make([]*domain.Directive, len(t.directives))
	copy(cp, t.directives)
	return cp
}

// Len returns the number of directives.
func (t *Table) Len() int { return len(t.directives) }

// Digest is the SHA-256 of the compiled source.
func (t *Table) Digest() string { return t.digest }

// CompiledAt reports when the table was built.
func (t *Table) CompiledAt() time.Time { return t.compiledAt }

// Lookup returns the directive with the given kind and name.
func (t *Table) Lookup(kind domain.DirectiveKind, name string) (*domain.Directive, bool) {
	d, ok := t.byID[kind.String()+"."+name]
	return d, ok
}

// Get returns a directive by ID ("kind.name").
func (t *Table) Get(id string) (*domain.Directive, bool) {
	d, ok := t.byID[id]
	return d, ok
}

// Resolve finds the directive a reference names. A reference is either a
// directive ID ("auth.login") or a bare name that must be unique across kinds.
func (t *Table) Resolve(ref string) (*domain.Directive, error) {
	if d, ok := t.byID[ref]; ok {
		return d, nil
	}
	candidates := t.byName[ref]
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: %s", domain.ErrDirectiveNotFound, ref)
	case 1:
		return candidates[0], nil
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID()
	}
	sort.Strings(ids)
	return nil, fmt.Errorf("ambiguous reference %q matches %s", ref, strings.Join(ids, ", "))
}

// IsChainMember reports whether d is only reachable through a middleware
// chain.
func (t *Table) IsChainMember(d *domain.Directive) bool {
	return t.members[d.ID()]
}

// Schedule returns the parsed cron schedule of a cron directive.
func (t *Table) Schedule(d *domain.Directive) (cron.Schedule, bool) {
	s, ok := t.schedules[d.ID()]
	return s, ok
}

// Policy returns the parsed rego module of an opa auth directive.
func (t *Table) Policy(d *domain.Directive) (*ast.Module, bool) {
	m, ok := t.policies[d.ID()]
	return m, ok
}

// Ordered returns ds sorted by priority then declaration order. The input is
// not modified.
func Ordered(ds []*domain.Directive) []*domain.Directive {
	out := make([]*domain.Directive, len(ds))
	copy(out, ds)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// HandlerRefs lists the distinct handler references used by the table.
func (t *Table) HandlerRefs() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, d := range t.directives {
		if d.HandlerRef == "" || seen[d.HandlerRef] {
			continue
		}
		seen[d.HandlerRef] = true
		refs = append(refs, d.HandlerRef)
	}
	sort.Strings(refs)
	return refs
}

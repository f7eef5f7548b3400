// Package directive compiles directive source into an immutable table.
package directive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/robfig/cron/v3"

	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/expr"
	"github.com/polisai/directived/pkg/operators"
)

// Rule identifiers carried by CompileError.
const (
	RuleSyntax             = "syntax"
	RuleDuplicateAttribute = "duplicate-attribute"
	RuleDuplicateDirective = "duplicate-directive"
	RuleUnknownKind        = "unknown-kind"
	RulePriority           = "priority"
	RuleCondition          = "condition-type"
	RuleOperator           = "operator"
	RuleCacheTTL           = "cache-ttl"
	RuleCacheKey           = "cache-key"
	RuleCacheOption        = "cache-option"
	RuleAuthStrategy       = "auth-strategy"
	RuleAuthSecret         = "auth-secret"
	RuleAuthPolicy         = "auth-policy"
	RuleChainRef           = "chain-ref"
	RuleChainCycle         = "chain-cycle"
	RuleOnFailure          = "on-failure"
	RuleRedirectTarget     = "redirect-target"
	RuleMaxRetries         = "max-retries"
	RuleHandler            = "handler"
	RuleRoutePath          = "route-path"
	RuleCronSchedule       = "cron-schedule"
)

// Reserved attributes are consumed by the compiler and removed from the
// attribute map handed to handlers.
const (
	attrPriority   = "priority"
	attrWhen       = "when"
	attrHandler    = "handler"
	attrOnFailure  = "on_failure"
	attrRedirectTo = "redirect_to"
	attrMaxRetries = "max_retries"
	attrChain      = "chain"
)

// Built-in handler references bound by default for kinds that have one.
const (
	HandlerCache = "cache"
	HandlerAuth  = "auth"
)

// Auth strategies.
const (
	StrategyJWT    = "jwt"
	StrategyAPIKey = "api_key"
	StrategyBasic  = "basic"
	StrategyOPA    = "opa"
)

// DefaultOPAQuery is evaluated when an opa auth directive declares no query.
const DefaultOPAQuery = "data.authz.allow"

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// Options bound what the compiler accepts.
type Options struct {
	MinPriority     int
	MaxPriority     int
	MinSecretLength int
	Logger          *slog.Logger
}

// DefaultOptions returns the compiler defaults.
func DefaultOptions() Options {
	return Options{MinPriority: -1000, MaxPriority: 1000, MinSecretLength: 16}
}

// Compiler turns source text into tables.
type Compiler struct {
	registry *operators.Registry
	opts     Options
	logger   *slog.Logger
}

// NewCompiler creates a compiler that validates operators against registry.
func NewCompiler(registry *operators.Registry, opts Options) *Compiler {
	if opts.MinPriority == 0 && opts.MaxPriority == 0 {
		def := DefaultOptions()
		opts.MinPriority, opts.MaxPriority = def.MinPriority, def.MaxPriority
	}
	if opts.MinSecretLength <= 0 {
		opts.MinSecretLength = DefaultOptions().MinSecretLength
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{registry: registry, opts: opts, logger: logger}
}

// Compile parses and validates src. It is all-or-nothing: the first violated
// rule is returned as a *domain.CompileError and no table is produced.
func (c *Compiler) Compile(src string) (*Table, error) {
	start := time.Now()
	blocks, err := parseSource(src)
	if err != nil {
		return nil, syntaxError(err)
	}

	sum := sha256.Sum256([]byte(src))
	table := newTable(hex.EncodeToString(sum[:]))

	for i, b := range blocks {
		d, err := c.buildDirective(b, i)
		if err != nil {
			return nil, err
		}
		if !table.add(d) {
			return nil, &domain.CompileError{Directive: d.ID(), Rule: RuleDuplicateDirective, Pos: d.Pos, Err: errors.New("directive declared twice")}
		}
	}

	for _, d := range table.directives {
		if err := c.validateKind(table, d); err != nil {
			return nil, err
		}
	}
	if err := c.linkReferences(table); err != nil {
		return nil, err
	}

	c.logger.Debug("directive source compiled",
		"directives", table.Len(),
		"digest", table.Digest()[:12],
		"duration", time.Since(start))
	return table, nil
}

func syntaxError(err error) error {
	var se *expr.SyntaxError
	if errors.As(err, &se) {
		return &domain.CompileError{Rule: RuleSyntax, Pos: se.Pos, Err: errors.New(se.Msg)}
	}
	return &domain.CompileError{Rule: RuleSyntax, Err: err}
}

// buildDirective extracts the reserved attributes and checks every
// expression against the operator registry.
func (c *Compiler) buildDirective(b block, order int) (*domain.Directive, error) {
	kind, ok := domain.ParseDirectiveKind(b.kind)
	if !ok {
		return nil, &domain.CompileError{Directive: b.kind + "." + b.name, Rule: RuleUnknownKind, Pos: b.pos, Err: fmt.Errorf("unknown directive kind %q", b.kind)}
	}
	d := &domain.Directive{Name: b.name, Kind: kind, Order: order, Attributes: b.attrs, Pos: b.pos}
	fail := func(rule string, at domain.Position, format string, args ...any) error {
		return &domain.CompileError{Directive: d.ID(), Rule: rule, Pos: at, Err: fmt.Errorf(format, args...)}
	}
	if b.duplicate != nil {
		return nil, fail(RuleDuplicateAttribute, b.duplicate.pos, "attribute %q declared twice", b.duplicate.key)
	}
	attrs := b.attrs

	if v, ok := attrs.Delete(attrPriority); ok {
		p, isInt := v.Literal.AsInt()
		if v.Kind != domain.AttrLiteral || !isInt {
			return nil, fail(RulePriority, v.At, "priority must be an integer literal")
		}
		if p < int64(c.opts.MinPriority) || p > int64(c.opts.MaxPriority) {
			return nil, fail(RulePriority, v.At, "priority %d outside [%d, %d]", p, c.opts.MinPriority, c.opts.MaxPriority)
		}
		d.Priority = int(p)
	}

	if v, ok := attrs.Delete(attrWhen); ok {
		var cond domain.Expression
		switch v.Kind {
		case domain.AttrLiteral:
			cond = domain.NewLiteral(v.Literal, v.At)
		case domain.AttrExpression:
			cond = v.Expr
		default:
			return nil, fail(RuleCondition, v.At, "condition must be an expression")
		}
		t, err := c.registry.Check(cond)
		if err != nil {
			return nil, fail(RuleOperator, v.At, "%w", err)
		}
		if t != domain.TypeBool && t != domain.TypeAny {
			return nil, fail(RuleCondition, v.At, "condition has type %s, want bool", t)
		}
		d.Condition = cond
	}

	if v, ok := attrs.Delete(attrHandler); ok {
		ref, err := refName(v)
		if err != nil {
			return nil, fail(RuleHandler, v.At, "handler: %v", err)
		}
		d.HandlerRef = ref
	}

	if v, ok := attrs.Delete(attrOnFailure); ok {
		name, err := refName(v)
		policy, valid := domain.ParseFailurePolicy(name)
		if err != nil || !valid {
			return nil, fail(RuleOnFailure, v.At, "on_failure must be one of continue, redirect, fatal")
		}
		d.OnFailure = policy
	}

	if v, ok := attrs.Delete(attrRedirectTo); ok {
		ref, err := refName(v)
		if err != nil {
			return nil, fail(RuleRedirectTarget, v.At, "redirect_to: %v", err)
		}
		d.RedirectTo = ref
	}
	if d.OnFailure == domain.FailRedirect && d.RedirectTo == "" {
		return nil, fail(RuleRedirectTarget, d.Pos, "on_failure redirect requires redirect_to")
	}

	if v, ok := attrs.Delete(attrMaxRetries); ok {
		n, isInt := v.Literal.AsInt()
		if v.Kind != domain.AttrLiteral || !isInt || n < 0 {
			return nil, fail(RuleMaxRetries, v.At, "max_retries must be a non-negative integer literal")
		}
		d.MaxRetries = int(n)
	}

	if kind == domain.KindMiddleware {
		if v, ok := attrs.Delete(attrChain); ok {
			if v.Kind != domain.AttrList {
				return nil, fail(RuleChainRef, v.At, "chain must be a list of directive names")
			}
			for _, item := range v.List {
				ref, err := refName(item)
				if err != nil {
					return nil, fail(RuleChainRef, item.At, "chain: %v", err)
				}
				d.Chain = append(d.Chain, ref)
			}
		}
	}

	for _, key := range attrs.Keys() {
		v, _ := attrs.Get(key)
		for _, e := range v.Expressions() {
			if _, err := c.registry.Check(e); err != nil {
				return nil, fail(RuleOperator, e.Pos(), "attribute %s: %w", key, err)
			}
		}
	}
	return d, nil
}

// validateKind applies the rules specific to each directive kind.
func (c *Compiler) validateKind(table *Table, d *domain.Directive) error {
	fail := func(rule string, at domain.Position, format string, args ...any) error {
		return &domain.CompileError{Directive: d.ID(), Rule: rule, Pos: at, Err: fmt.Errorf(format, args...)}
	}
	attrs := d.Attributes

	switch d.Kind {
	case domain.KindCache:
		if d.HandlerRef == "" {
			d.HandlerRef = HandlerCache
		}
		ttl, ok := attrs.Get("ttl")
		if !ok {
			return fail(RuleCacheTTL, d.Pos, "cache directive requires exactly one ttl")
		}
		dur, err := literalDuration(ttl)
		if err != nil {
			return fail(RuleCacheTTL, ttl.At, "%v", err)
		}
		if dur <= 0 {
			return fail(RuleCacheTTL, ttl.At, "ttl must be positive")
		}
		// normalize to a duration literal so handlers never coerce
		attrs.Replace("ttl", domain.AttributeValue{Kind: domain.AttrLiteral, Literal: domain.Duration(dur), At: ttl.At})

		key, ok := attrs.Get("key")
		if !ok {
			return fail(RuleCacheKey, d.Pos, "cache directive requires a key")
		}
		for _, e := range key.Expressions() {
			for k := range c.registry.Kinds(e) {
				if k.SideEffecting() {
					return fail(RuleCacheKey, e.Pos(), "cache key must not use %s operators", k)
				}
			}
		}
		if err := checkEnum(attrs, "tier", "l1", "l2", "l3"); err != nil {
			return fail(RuleCacheOption, d.Pos, "%v", err)
		}
		if err := checkEnum(attrs, "mode", "write_through", "write_behind"); err != nil {
			return fail(RuleCacheOption, d.Pos, "%v", err)
		}

	case domain.KindAuth:
		if d.HandlerRef == "" {
			d.HandlerRef = HandlerAuth
		}
		sv, ok := attrs.Get("strategy")
		strategy, isString := sv.LiteralString()
		if !ok || !isString {
			return fail(RuleAuthStrategy, d.Pos, "auth directive requires a strategy literal")
		}
		switch strategy {
		case StrategyJWT, StrategyAPIKey:
			secret, ok := attrs.Get("secret")
			if !ok {
				return fail(RuleAuthSecret, d.Pos, "%s strategy requires a secret", strategy)
			}
			switch secret.Kind {
			case domain.AttrLiteral:
				s, isString := secret.Literal.AsString()
				if !isString {
					return fail(RuleAuthSecret, secret.At, "secret must be a string")
				}
				if len(s) < c.opts.MinSecretLength {
					return fail(RuleAuthSecret, secret.At, "secret shorter than %d characters", c.opts.MinSecretLength)
				}
			case domain.AttrExpression:
				t, _ := c.registry.Check(secret.Expr)
				if t != domain.TypeString && t != domain.TypeAny {
					return fail(RuleAuthSecret, secret.At, "secret has type %s, want string", t)
				}
			default:
				return fail(RuleAuthSecret, secret.At, "secret must be a string or expression")
			}
		case StrategyBasic:
			users, ok := attrs.Get("users")
			if !ok || users.Kind != domain.AttrObject {
				return fail(RuleAuthSecret, d.Pos, "basic strategy requires a users object")
			}
		case StrategyOPA:
			pv, ok := attrs.Get("policy")
			src, isString := pv.LiteralString()
			if !ok || !isString {
				return fail(RuleAuthPolicy, d.Pos, "opa strategy requires a policy literal")
			}
			module, err := ast.ParseModuleWithOpts(d.ID()+".rego", src, ast.ParserOptions{RegoVersion: ast.RegoV1})
			if err != nil {
				return fail(RuleAuthPolicy, pv.At, "parse policy: %v", err)
			}
			if q, ok := attrs.Get("query"); ok {
				if _, isString := q.LiteralString(); !isString {
					return fail(RuleAuthPolicy, q.At, "query must be a string literal")
				}
			}
			table.policies[d.ID()] = module
		default:
			return fail(RuleAuthStrategy, sv.At, "unknown strategy %q", strategy)
		}

	case domain.KindRoute, domain.KindAPI:
		pv, ok := attrs.Get("path")
		path, isString := pv.LiteralString()
		if !ok || !isString || !strings.HasPrefix(path, "/") {
			return fail(RuleRoutePath, d.Pos, "%s directive requires a literal path starting with /", d.Kind)
		}
		method := "GET"
		if mv, ok := attrs.Get("method"); ok {
			m, isString := mv.LiteralString()
			if !isString || !validMethods[strings.ToUpper(m)] {
				return fail(RuleRoutePath, mv.At, "invalid method")
			}
			method = strings.ToUpper(m)
		}
		attrs.Replace("method", domain.AttributeValue{Kind: domain.AttrLiteral, Literal: domain.String(method), At: pv.At})
		if d.HandlerRef == "" {
			return fail(RuleHandler, d.Pos, "%s directive requires a handler", d.Kind)
		}

	case domain.KindCron:
		sv, ok := attrs.Get("schedule")
		spec, isString := sv.LiteralString()
		if !ok || !isString {
			return fail(RuleCronSchedule, d.Pos, "cron directive requires a schedule literal")
		}
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return fail(RuleCronSchedule, sv.At, "%v", err)
		}
		table.schedules[d.ID()] = schedule
		if d.HandlerRef == "" {
			return fail(RuleHandler, d.Pos, "cron directive requires a handler")
		}

	case domain.KindMiddleware:
		if d.HandlerRef == "" && len(d.Chain) == 0 {
			return fail(RuleHandler, d.Pos, "middleware requires a handler or a chain")
		}

	case domain.KindCustom:
		if d.HandlerRef == "" {
			return fail(RuleHandler, d.Pos, "custom directive requires a handler")
		}
	}
	return nil
}

// linkReferences resolves chain members and redirect targets to directive
// IDs and rejects reference cycles.
func (c *Compiler) linkReferences(table *Table) error {
	graph := make(refGraph)
	for _, d := range table.directives {
		graph[d.ID()] = nil
		for i, ref := range d.Chain {
			target, err := table.Resolve(ref)
			if err != nil {
				return &domain.CompileError{Directive: d.ID(), Rule: RuleChainRef, Pos: d.Pos, Err: err}
			}
			switch target.Kind {
			case domain.KindRoute, domain.KindAPI, domain.KindCron:
				return &domain.CompileError{Directive: d.ID(), Rule: RuleChainRef, Pos: d.Pos, Err: fmt.Errorf("%s cannot be a chain member", target.ID())}
			}
			d.Chain[i] = target.ID()
			table.members[target.ID()] = true
			graph[d.ID()] = append(graph[d.ID()], target.ID())
		}
		if d.RedirectTo != "" {
			target, err := table.Resolve(d.RedirectTo)
			if err != nil {
				return &domain.CompileError{Directive: d.ID(), Rule: RuleRedirectTarget, Pos: d.Pos, Err: err}
			}
			if target.Kind == domain.KindCron {
				return &domain.CompileError{Directive: d.ID(), Rule: RuleRedirectTarget, Pos: d.Pos, Err: fmt.Errorf("cannot redirect to %s", target.ID())}
			}
			d.RedirectTo = target.ID()
			graph[d.ID()] = append(graph[d.ID()], target.ID())
		}
	}
	if cycles := findCycles(graph); len(cycles) > 0 {
		return &domain.CompileError{Rule: RuleChainCycle, Err: fmt.Errorf("reference cycle %s", cycles[0])}
	}
	return nil
}

// literalDuration accepts a duration literal or a string literal that parses
// as one. This is the only place a ttl is coerced.
func literalDuration(v domain.AttributeValue) (time.Duration, error) {
	if v.Kind != domain.AttrLiteral {
		return 0, errors.New("ttl must be a literal")
	}
	if d, ok := v.Literal.AsDuration(); ok {
		return d, nil
	}
	if s, ok := v.Literal.AsString(); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("ttl %q is not a duration", s)
		}
		return d, nil
	}
	return 0, fmt.Errorf("ttl has type %s, want duration", v.Literal.Type())
}

func checkEnum(attrs *domain.Attributes, key string, allowed ...string) error {
	v, ok := attrs.Get(key)
	if !ok {
		return nil
	}
	s, isString := v.LiteralString()
	if !isString {
		return fmt.Errorf("%s must be a string literal", key)
	}
	for _, a := range allowed {
		if s == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s", key, strings.Join(allowed, ", "))
}

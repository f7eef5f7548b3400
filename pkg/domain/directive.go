package domain

import "strings"

// DirectiveKind identifies what a directive declares.
type DirectiveKind uint8

const (
	KindRoute DirectiveKind = iota
	KindAPI
	KindCache
	KindAuth
	KindMiddleware
	KindCron
	KindCustom
)

var kindNames = map[DirectiveKind]string{
	KindRoute:      "route",
	KindAPI:        "api",
	KindCache:      "cache",
	KindAuth:       "auth",
	KindMiddleware: "middleware",
	KindCron:       "cron",
	KindCustom:     "custom",
}

func (k DirectiveKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseDirectiveKind maps the source marker (e.g. "cache" in #cache) to a kind.
func ParseDirectiveKind(s string) (DirectiveKind, bool) {
	s = strings.ToLower(s)
	for k, n := range kindNames {
		if n == s {
			return k, true
		}
	}
	return 0, false
}

// Routable reports whether directives of this kind bind to a method and path.
func (k DirectiveKind) Routable() bool {
	return k == KindRoute || k == KindAPI
}

// FailurePolicy decides what the executor does when a directive fails.
type FailurePolicy uint8

const (
	FailFatal FailurePolicy = iota
	FailContinue
	FailRedirect
)

func (p FailurePolicy) String() string {
	switch p {
	case FailContinue:
		return "continue"
	case FailRedirect:
		return "redirect"
	default:
		return "fatal"
	}
}

// ParseFailurePolicy parses an on_failure attribute value.
func ParseFailurePolicy(s string) (FailurePolicy, bool) {
	switch strings.ToLower(s) {
	case "fatal", "":
		return FailFatal, true
	case "continue":
		return FailContinue, true
	case "redirect":
		return FailRedirect, true
	}
	return FailFatal, false
}

// AttrKind tags the variant held by an AttributeValue.
type AttrKind uint8

const (
	AttrLiteral AttrKind = iota
	AttrExpression
	AttrDirectiveRef
	AttrObject
	AttrList
)

// AttributeValue is a literal, an expression, a reference to another
// directive, a nested object or an array of attribute values.
type AttributeValue struct {
	Kind    AttrKind
	Literal Value
	Expr    Expression
	Ref     string
	Object  *Attributes
	List    []AttributeValue
	At      Position
}

// LiteralString returns the string literal held by a, if any.
func (a AttributeValue) LiteralString() (string, bool) {
	if a.Kind != AttrLiteral {
		return "", false
	}
	return a.Literal.AsString()
}

// IsStatic reports whether the value can be computed without resolving any
// expression.
func (a AttributeValue) IsStatic() bool {
	switch a.Kind {
	case AttrLiteral, AttrDirectiveRef:
		return true
	case AttrObject:
		for _, k := range a.Object.Keys() {
			v, _ := a.Object.Get(k)
			if !v.IsStatic() {
				return false
			}
		}
		return true
	case AttrList:
		for _, v := range a.List {
			if !v.IsStatic() {
				return false
			}
		}
		return true
	}
	return false
}

// Expressions returns every expression reachable from a.
func (a AttributeValue) Expressions() []Expression {
	switch a.Kind {
	case AttrExpression:
		return []Expression{a.Expr}
	case AttrObject:
		var out []Expression
		for _, k := range a.Object.Keys() {
			v, _ := a.Object.Get(k)
			out = append(out, v.Expressions()...)
		}
		return out
	case AttrList:
		var out []Expression
		for _, v := range a.List {
			out = append(out, v.Expressions()...)
		}
		return out
	}
	return nil
}

// Attributes is an insertion ordered map of attribute values.
type Attributes struct {
	keys   []string
	values map[string]AttributeValue
}

// NewAttributes returns an empty attribute map.
func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]AttributeValue)}
}

// Set stores v under key. It returns false if the key already exists.
func (a *Attributes) Set(key string, v AttributeValue) bool {
	if _, exists := a.values[key]; exists {
		return false
	}
	a.keys = append(a.keys, key)
	a.values[key] = v
	return true
}

// Replace stores v under key, keeping the key's position when it exists.
func (a *Attributes) Replace(key string, v AttributeValue) {
	if _, exists := a.values[key]; !exists {
		a.keys = append(a.keys, key)
	}
	a.values[key] = v
}

// Delete removes key, returning the removed value.
func (a *Attributes) Delete(key string) (AttributeValue, bool) {
	v, ok := a.values[key]
	if !ok {
		return AttributeValue{}, false
	}
	delete(a.values, key)
	for i, k := range a.keys {
		if k == key {
			a.keys = append(a.keys[:i], a.keys[i+1:]...)
			break
		}
	}
	return v, true
}

// Get returns the value stored under key.
func (a *Attributes) Get(key string) (AttributeValue, bool) {
	if a == nil {
		return AttributeValue{}, false
	}
	v, ok := a.values[key]
	return v, ok
}

// Keys returns keys in declaration order.
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	cp := make([]string, len(a.keys))
	copy(cp, a.keys)
	return cp
}

func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.keys)
}

// Directive is one compiled, immutable declaration.
type Directive struct {
	Name       string
	Kind       DirectiveKind
	Priority   int
	Order      int // declaration order, the priority tie-break
	Condition  Expression
	Attributes *Attributes
	HandlerRef string
	OnFailure  FailurePolicy
	RedirectTo string
	MaxRetries int
	// Chain lists member directive names for middleware chains.
	Chain []string
	Pos   Position
}

// ID returns the table-unique identifier "kind.name".
func (d *Directive) ID() string {
	return d.Kind.String() + "." + d.Name
}

// Static returns a literal attribute value, if present and literal.
func (d *Directive) Static(key string) (Value, bool) {
	a, ok := d.Attributes.Get(key)
	if !ok || a.Kind != AttrLiteral {
		return Value{}, false
	}
	return a.Literal, true
}

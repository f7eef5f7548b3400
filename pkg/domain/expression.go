package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	// hashDomainExpr separates expression hashes from any other SHA-256 use.
	hashDomainExpr = "directived/expr/v1"
)

// OperatorKind classifies operators by the capability they reach. It is a
// closed set; the compiler uses it to reject side-effecting operators where
// only pure ones are allowed.
type OperatorKind uint8

const (
	OperatorPure OperatorKind = iota
	OperatorCache
	OperatorQuery
	OperatorFile
	OperatorHTTP
	OperatorEnv
	OperatorSecret
	OperatorCustom
)

func (k OperatorKind) String() string {
	switch k {
	case OperatorPure:
		return "pure"
	case OperatorCache:
		return "cache"
	case OperatorQuery:
		return "query"
	case OperatorFile:
		return "file"
	case OperatorHTTP:
		return "http"
	case OperatorEnv:
		return "env"
	case OperatorSecret:
		return "secret"
	default:
		return "custom"
	}
}

// SideEffecting reports whether the operator reaches a cache, database, file
// system or network.
func (k OperatorKind) SideEffecting() bool {
	switch k {
	case OperatorCache, OperatorQuery, OperatorFile, OperatorHTTP:
		return true
	}
	return false
}

// Position locates a token in directive source.
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string {
	return strconv.Itoa(p.Line) + ":" + strconv.Itoa(p.Column)
}

// Expression is an immutable, acyclic expression tree node.
type Expression interface {
	// Hash returns the structural hash of the subtree.
	Hash() string
	// String renders the canonical form that the hash covers.
	String() string
	// Pos returns where the node starts in source.
	Pos() Position
}

// Literal is a constant value.
type Literal struct {
	Value Value
	At    Position
	hash  string
}

// VariableRef reads a dotted path from the execution context. Default, when
// set, is resolved if the path is unbound.
type VariableRef struct {
	Path    []string
	Default Expression
	At      Position
	hash    string
}

// OperatorCall invokes a registered operator with positional arguments.
// Kind is bound by the operator registry during compilation.
type OperatorCall struct {
	Name string
	Args []Expression
	Kind OperatorKind
	At   Position
	hash string
}

// ListExpr builds a list from element expressions.
type ListExpr struct {
	Elems []Expression
	At    Position
	hash  string
}

// NewLiteral builds a Literal node.
func NewLiteral(v Value, at Position) *Literal {
	l := &Literal{Value: v, At: at}
	l.hash = hashExpr(l.String())
	return l
}

// NewVariableRef builds a VariableRef node.
func NewVariableRef(path []string, def Expression, at Position) *VariableRef {
	cp := make([]string, len(path))
	copy(cp, path)
	r := &VariableRef{Path: cp, Default: def, At: at}
	r.hash = hashExpr(r.String())
	return r
}

// NewOperatorCall builds an OperatorCall node.
func NewOperatorCall(name string, args []Expression, at Position) *OperatorCall {
	c := &OperatorCall{Name: name, Args: args, At: at}
	c.hash = hashExpr(c.String())
	return c
}

// NewListExpr builds a ListExpr node.
func NewListExpr(elems []Expression, at Position) *ListExpr {
	l := &ListExpr{Elems: elems, At: at}
	l.hash = hashExpr(l.String())
	return l
}

func (l *Literal) Hash() string {
	if l.hash == "" {
		return hashExpr(l.String())
	}
	return l.hash
}

func (l *Literal) String() string {
	return "lit(" + l.Value.Type().String() + ":" + l.Value.literal() + ")"
}

func (l *Literal) Pos() Position { return l.At }

func (r *VariableRef) Hash() string {
	if r.hash == "" {
		return hashExpr(r.String())
	}
	return r.hash
}

func (r *VariableRef) String() string {
	s := "var(" + strings.Join(r.Path, ".")
	if r.Default != nil {
		s += "??" + r.Default.String()
	}
	return s + ")"
}

func (r *VariableRef) Pos() Position { return r.At }

// Dotted returns the path joined with dots.
func (r *VariableRef) Dotted() string { return strings.Join(r.Path, ".") }

func (c *OperatorCall) Hash() string {
	if c.hash == "" {
		return hashExpr(c.String())
	}
	return c.hash
}

func (c *OperatorCall) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.String()
	}
	return "@" + c.Name + "(" + strings.Join(parts, ",") + ")"
}

func (c *OperatorCall) Pos() Position { return c.At }

func (l *ListExpr) Hash() string {
	if l.hash == "" {
		return hashExpr(l.String())
	}
	return l.hash
}

func (l *ListExpr) String() string {
	parts := make([]string, len(l.Elems))
	for i, e := range l.Elems {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (l *ListExpr) Pos() Position { return l.At }

// hashExpr computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + canonical)
func hashExpr(canonical string) string {
	h := sha256.New()
	h.Write([]byte(hashDomainExpr))
	h.Write([]byte{0x00})
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// WalkExpr visits every node of the tree in pre-order. Returning false from
// fn skips the node's children.
func WalkExpr(e Expression, fn func(Expression) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case *VariableRef:
		WalkExpr(n.Default, fn)
	case *OperatorCall:
		for _, a := range n.Args {
			WalkExpr(a, fn)
		}
	case *ListExpr:
		for _, el := range n.Elems {
			WalkExpr(el, fn)
		}
	}
}

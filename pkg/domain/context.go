package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoPrefix marks variables that hold memoized expression results. Source
// identifiers cannot start with '$', so these keys are never visible to
// VariableRef lookups.
const MemoPrefix = "$expr:"

// Principal is the authenticated identity attached to an execution context.
type Principal struct {
	Subject  string
	Strategy string
	Roles    []string
	Claims   map[string]Value
}

// Value renders the principal as a map for variable lookups.
func (p *Principal) Value() Value {
	roles := make([]Value, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = String(r)
	}
	claims := make(map[string]Value, len(p.Claims))
	for k, v := range p.Claims {
		claims[k] = v
	}
	return Map(map[string]Value{
		"subject":  String(p.Subject),
		"strategy": String(p.Strategy),
		"roles":    List(roles...),
		"claims":   Map(claims),
	})
}

// CompletionHook runs once the pipeline reaches a terminal state. Hooks run
// in reverse registration order.
type CompletionHook func(state string, response *Value)

// ExecutionContext carries per-invocation state: identity, write-once
// variables, the trace identifier and the deadline. One goroutine owns it at
// a time; the mutex makes reads from hooks and telemetry safe.
type ExecutionContext struct {
	mu sync.Mutex

	traceID     string
	deadline    time.Time
	hasDeadline bool
	identity    *Principal
	input       map[string]Value
	variables   map[string]Value
	memoErrs    map[string]error
	errors      []error
	response    *Value
	timers      map[string]time.Duration
	hooks       []CompletionHook
}

// NewExecutionContext creates a context with the given trace identifier.
// input holds read-only roots such as "request" or "event".
func NewExecutionContext(traceID string, input map[string]Value) *ExecutionContext {
	in := make(map[string]Value, len(input))
	for k, v := range input {
		in[k] = v
	}
	return &ExecutionContext{
		traceID:   traceID,
		input:     in,
		variables: make(map[string]Value),
		timers:    make(map[string]time.Duration),
	}
}

// TraceID returns the identifier assigned at creation.
func (c *ExecutionContext) TraceID() string { return c.traceID }

// SetDeadline sets an absolute deadline. A zero time clears it.
func (c *ExecutionContext) SetDeadline(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	c.hasDeadline = !t.IsZero()
}

// Deadline returns the deadline, if any.
func (c *ExecutionContext) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.hasDeadline
}

// CheckDeadline returns ErrTimeout if now is past the deadline.
func (c *ExecutionContext) CheckDeadline(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasDeadline && !now.Before(c.deadline) {
		return ErrTimeout
	}
	return nil
}

// Identity returns the principal, if authenticated.
func (c *ExecutionContext) Identity() (*Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.identity != nil
}

// SetIdentity attaches the authenticated principal.
func (c *ExecutionContext) SetIdentity(p *Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = p
}

// Input returns a read-only input root.
func (c *ExecutionContext) Input(root string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.input[root]
	return v, ok
}

// Bind sets a variable. Variables are write-once: rebinding an existing key
// fails with ErrVariableRebound.
func (c *ExecutionContext) Bind(key string, v Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.variables[key]; exists {
		return fmt.Errorf("%w: %s", ErrVariableRebound, key)
	}
	c.variables[key] = v
	return nil
}

// Variable returns a bound variable.
func (c *ExecutionContext) Variable(key string) (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[key]
	return v, ok
}

// Memo returns the memoized result for an expression hash.
func (c *ExecutionContext) Memo(hash string) (Value, bool) {
	return c.Variable(MemoPrefix + hash)
}

// StoreMemo records an expression result. A second store for the same hash
// keeps the first value.
func (c *ExecutionContext) StoreMemo(hash string, v Value) {
	_ = c.Bind(MemoPrefix+hash, v)
}

// MemoErr returns the memoized failure of an operator call, or nil.
func (c *ExecutionContext) MemoErr(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoErrs[hash]
}

// StoreMemoErr records that an operator call failed, so it is not invoked
// again in this context. The first error is kept.
func (c *ExecutionContext) StoreMemoErr(hash string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.memoErrs == nil {
		c.memoErrs = make(map[string]error)
	}
	if _, ok := c.memoErrs[hash]; !ok {
		c.memoErrs[hash] = err
	}
}

// Lookup resolves a dotted variable path. The first segment is matched
// against "identity", "trace_id", bound variables and input roots in that
// order; remaining segments walk map fields and list indices.
func (c *ExecutionContext) Lookup(path []string) (Value, bool) {
	if len(path) == 0 || strings.HasPrefix(path[0], "$") {
		return Value{}, false
	}
	c.mu.Lock()
	var root Value
	found := false
	switch {
	case path[0] == "identity":
		if c.identity != nil {
			root, found = c.identity.Value(), true
		}
	case path[0] == "trace_id":
		root, found = String(c.traceID), true
	default:
		if v, ok := c.variables[path[0]]; ok {
			root, found = v, true
		} else if v, ok := c.input[path[0]]; ok {
			root, found = v, true
		}
	}
	c.mu.Unlock()
	if !found {
		return Value{}, false
	}
	return walkPath(root, path[1:])
}

func walkPath(v Value, rest []string) (Value, bool) {
	for _, seg := range rest {
		switch v.Type() {
		case TypeMap:
			next, ok := v.Field(seg)
			if !ok {
				return Value{}, false
			}
			v = next
		case TypeList:
			i, err := parseIndex(seg)
			if err != nil {
				return Value{}, false
			}
			next, ok := v.Index(i)
			if !ok {
				return Value{}, false
			}
			v = next
		default:
			return Value{}, false
		}
	}
	return v, true
}

func parseIndex(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty index")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid index %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

// RecordError keeps an error that a continue policy recovered from.
func (c *ExecutionContext) RecordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

// Errors returns the recovered errors in the order they occurred.
func (c *ExecutionContext) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]error, len(c.errors))
	copy(cp, c.errors)
	return cp
}

// SetResponse stores the response a handler produced.
func (c *ExecutionContext) SetResponse(v Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = &v
}

// Response returns the stored response.
func (c *ExecutionContext) Response() (Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.response == nil {
		return Value{}, false
	}
	return *c.response, true
}

// AddTimer accumulates elapsed time under name.
func (c *ExecutionContext) AddTimer(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[name] += d
}

// Timers returns a copy of the accumulated timers.
func (c *ExecutionContext) Timers() map[string]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make(map[string]time.Duration, len(c.timers))
	for k, v := range c.timers {
		cp[k] = v
	}
	return cp
}

// OnComplete registers a hook to run after the pipeline finishes.
func (c *ExecutionContext) OnComplete(h CompletionHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// RunCompletionHooks runs and clears the registered hooks in LIFO order.
func (c *ExecutionContext) RunCompletionHooks(state string) {
	c.mu.Lock()
	hooks := c.hooks
	c.hooks = nil
	var resp *Value
	if c.response != nil {
		r := *c.response
		resp = &r
	}
	c.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i](state, resp)
	}
}

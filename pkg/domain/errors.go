package domain

import (
	"errors"
	"fmt"
	"time"
)

// Common domain errors
var (
	ErrUnboundVariable   = errors.New("unbound variable")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrOperatorNotFound  = errors.New("operator not found")
	ErrTimeout           = errors.New("deadline exceeded")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrVariableRebound   = errors.New("variable already bound")
	ErrHandlerNotFound   = errors.New("handler not registered")
	ErrCacheUnavailable  = errors.New("cache tier unavailable")
	ErrDirectiveNotFound = errors.New("directive not found")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// CompileError reports the first rule a directive source violated.
type CompileError struct {
	Directive string // "kind.name", empty for source-level syntax errors
	Rule      string
	Pos       Position
	Err       error
}

func (e *CompileError) Error() string {
	loc := e.Pos.String()
	if e.Directive != "" {
		return fmt.Sprintf("compile %s at %s: %s: %v", e.Directive, loc, e.Rule, e.Err)
	}
	return fmt.Sprintf("compile at %s: %s: %v", loc, e.Rule, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// ResolveError wraps a failure while resolving an expression.
type ResolveError struct {
	Expr string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Expr, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// HandlerError wraps a failure reported by (or recovered from) a directive
// handler.
type HandlerError struct {
	Directive string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("directive %s: %v", e.Directive, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// CacheError reports a failed operation against one cache tier.
type CacheError struct {
	Tier string
	Op   string
	Key  string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s %q: %v", e.Tier, e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// TimeoutError reports which directive was pending when the deadline passed.
type TimeoutError struct {
	Directive string
	Deadline  time.Time
}

func (e *TimeoutError) Error() string {
	if e.Directive == "" {
		return "pipeline deadline exceeded"
	}
	return fmt.Sprintf("deadline exceeded at directive %s", e.Directive)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// NewTypeError builds a type mismatch error with context.
func NewTypeError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTypeMismatch, fmt.Sprintf(format, args...))
}

// ErrorResponse defines the standard JSON error model returned by the HTTP host.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., TIMEOUT, DIRECTIVE_FAILED)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Execution context trace identifier
}

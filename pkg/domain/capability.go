package domain

import (
	"context"
	"time"
)

// CacheBackend is a shared remote cache tier (L2). Values are opaque bytes.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeleteMatching removes keys matching a glob pattern and returns how many
	// were removed.
	DeleteMatching(ctx context.Context, pattern string) (int, error)
}

// AuthorityEntry is a value loaded from an Authority. A zero ExpiresAt
// means the entry never expires.
type AuthorityEntry struct {
	Value     Value
	ExpiresAt time.Time
}

// Authority is the authoritative store behind the cache (L3).
type Authority interface {
	Load(ctx context.Context, key string) (AuthorityEntry, bool, error)
	Store(ctx context.Context, key string, value Value, ttl time.Duration) error
	DeleteMatching(ctx context.Context, pattern string) (int, error)
}

// QueryKind selects the executor that handles a QuerySpec.
type QueryKind string

const (
	QuerySQL  QueryKind = "sql"
	QueryFile QueryKind = "file"
	QueryHTTP QueryKind = "http"
)

// QuerySpec is passed to a QueryExecutor uninterpreted.
type QuerySpec struct {
	Kind      QueryKind
	Statement string
	Params    []Value
	Path      string
	Method    string
	URL       string
	Headers   map[string]string
	Body      []byte
}

// QueryExecutor runs database statements, file reads or HTTP calls.
type QueryExecutor interface {
	Execute(ctx context.Context, spec QuerySpec) (Value, error)
}

// SecretProvider resolves named secrets.
type SecretProvider interface {
	GetSecret(name string) (string, bool)
}

// AuditEvent describes something the runtime decided or observed.
type AuditEvent struct {
	Type      string            `json:"type"`
	TraceID   string            `json:"trace_id,omitempty"`
	Directive string            `json:"directive,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Message   string            `json:"message,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	At        time.Time         `json:"at"`
}

// AuditSink records audit events. Record must not block the caller.
type AuditSink interface {
	Record(event AuditEvent)
}

// AuditFunc adapts a function to AuditSink.
type AuditFunc func(AuditEvent)

func (f AuditFunc) Record(e AuditEvent) { f(e) }

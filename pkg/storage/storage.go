// Package storage provides the authoritative cache tier (L3) and the
// executors behind the @query, @file and @http operators.
//
// MemoryAuthority, SQLiteStore and PostgresStore implement domain.Authority.
// The SQL stores also implement domain.QueryExecutor, so one database can
// back both the cache and directive queries. Router dispatches a QuerySpec to
// the executor registered for its kind.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/polisai/directived/pkg/domain"
)

var (
	// ErrUnsupportedQuery is returned when no executor handles a query kind.
	ErrUnsupportedQuery = errors.New("unsupported query kind")
	// ErrPathOutsideRoot is returned for file paths escaping the file root.
	ErrPathOutsideRoot = errors.New("path escapes file root")
)

// isQuery reports whether stmt returns rows. Anything else is executed and
// reports rows_affected.
func isQuery(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "select", "with", "values", "pragma", "explain", "show", "table":
		return true
	}
	return strings.Contains(strings.ToLower(stmt), " returning ")
}

func nativeParams(params []domain.Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Native()
	}
	return args
}

// columnValue converts a driver value. Types FromNative does not know are
// rendered with fmt.
func columnValue(x any) domain.Value {
	if v, err := domain.FromNative(x); err == nil {
		return v
	}
	if s, ok := x.(fmt.Stringer); ok {
		return domain.String(s.String())
	}
	return domain.String(fmt.Sprint(x))
}

func rowsAffected(n int64) domain.Value {
	return domain.Map(map[string]domain.Value{"rows_affected": domain.Int(n)})
}

// expiryFor returns the absolute expiry for ttl, zero meaning none.
func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// globToLike translates a glob made of '*' and '?' into a LIKE pattern with
// '\' as the escape character. It reports false for globs using classes or
// alternation, which callers match in Go instead.
func globToLike(pattern string) (string, bool) {
	var b strings.Builder
	escaped := false
	for _, r := range pattern {
		if escaped {
			writeLikeLiteral(&b, r)
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '[', ']', '{', '}', '!':
			return "", false
		default:
			writeLikeLiteral(&b, r)
		}
	}
	if escaped {
		writeLikeLiteral(&b, '\\')
	}
	return b.String(), true
}

func writeLikeLiteral(b *strings.Builder, r rune) {
	if r == '%' || r == '_' || r == '\\' {
		b.WriteByte('\\')
	}
	b.WriteRune(r)
}

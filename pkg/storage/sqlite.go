package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/polisai/directived/pkg/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS cache_entries_expires ON cache_entries(expires_at);
`

// SQLiteStore is an embedded authoritative tier and SQL query executor.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path (":memory:" works) and
// applies the schema. SQLite allows a single writer, so the pool is limited
// to one connection.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Load(ctx context.Context, key string) (domain.AuthorityEntry, bool, error) {
	var raw []byte
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&raw, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuthorityEntry{}, false, nil
	}
	if err != nil {
		return domain.AuthorityEntry{}, false, fmt.Errorf("load %q: %w", key, err)
	}
	now := s.now().UnixNano()
	if expires.Valid && now >= expires.Int64 {
		// A concurrent Store moves expires_at forward and is left alone.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`, key, now,
		); err != nil {
			return domain.AuthorityEntry{}, false, fmt.Errorf("expire %q: %w", key, err)
		}
		return domain.AuthorityEntry{}, false, nil
	}
	v, err := domain.DecodeValue(raw)
	if err != nil {
		return domain.AuthorityEntry{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	entry := domain.AuthorityEntry{Value: v}
	if expires.Valid {
		entry.ExpiresAt = time.Unix(0, expires.Int64)
	}
	return entry, true, nil
}

func (s *SQLiteStore) Store(ctx context.Context, key string, value domain.Value, ttl time.Duration) error {
	raw, err := domain.EncodeValue(value)
	if err != nil {
		return err
	}
	var expires sql.NullInt64
	if t := expiryFor(s.now(), ttl); !t.IsZero() {
		expires = sql.NullInt64{Int64: t.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, raw, expires)
	if err != nil {
		return fmt.Errorf("store %q: %w", key, err)
	}
	return nil
}

// DeleteMatching uses SQLite's GLOB operator, which shares the '*', '?' and
// '[...]' syntax of cache patterns.
func (s *SQLiteStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key GLOB ?`, pattern)
	if err != nil {
		return 0, fmt.Errorf("delete %q: %w", pattern, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Execute runs a SQL QuerySpec. Row-returning statements yield a list of
// maps keyed by column name; other statements yield {rows_affected: n}.
func (s *SQLiteStore) Execute(ctx context.Context, spec domain.QuerySpec) (domain.Value, error) {
	if spec.Kind != domain.QuerySQL {
		return domain.Null(), fmt.Errorf("%w: %s", ErrUnsupportedQuery, spec.Kind)
	}
	args := nativeParams(spec.Params)
	if !isQuery(spec.Statement) {
		res, err := s.db.ExecContext(ctx, spec.Statement, args...)
		if err != nil {
			return domain.Null(), fmt.Errorf("exec: %w", err)
		}
		n, _ := res.RowsAffected()
		return rowsAffected(n), nil
	}

	rows, err := s.db.QueryContext(ctx, spec.Statement, args...)
	if err != nil {
		return domain.Null(), fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return domain.Null(), err
	}
	var out []domain.Value
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return domain.Null(), fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]domain.Value, len(cols))
		for i, c := range cols {
			row[c] = columnValue(cells[i])
		}
		out = append(out, domain.Map(row))
	}
	if err := rows.Err(); err != nil {
		return domain.Null(), err
	}
	return domain.List(out...), nil
}

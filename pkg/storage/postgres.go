package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polisai/directived/pkg/domain"
)

// PostgresOptions tunes NewPostgresPool.
type PostgresOptions struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	ConnectRetries  int
	RetryDelay      time.Duration
	PingTimeout     time.Duration
}

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresSleep        = time.Sleep
)

// NewPostgresPool parses the DSN, dials and pings, retrying while the
// database comes up.
func NewPostgresPool(ctx context.Context, opts PostgresOptions) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	retries := opts.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 2 * time.Second
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			postgresSleep(delay)
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
	}
	return nil, fmt.Errorf("postgres ping retries exhausted: %w", lastErr)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS directived_cache (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ
)`

// PostgresStore is the authoritative tier and SQL executor on Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore creates the cache table if needed.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Load(ctx context.Context, key string) (domain.AuthorityEntry, bool, error) {
	var raw []byte
	var expires *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM directived_cache WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.now(),
	).Scan(&raw, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AuthorityEntry{}, false, nil
	}
	if err != nil {
		return domain.AuthorityEntry{}, false, fmt.Errorf("load %q: %w", key, err)
	}
	v, err := domain.DecodeValue(raw)
	if err != nil {
		return domain.AuthorityEntry{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	entry := domain.AuthorityEntry{Value: v}
	if expires != nil {
		entry.ExpiresAt = *expires
	}
	return entry, true, nil
}

func (s *PostgresStore) Store(ctx context.Context, key string, value domain.Value, ttl time.Duration) error {
	raw, err := domain.EncodeValue(value)
	if err != nil {
		return err
	}
	var expires *time.Time
	if t := expiryFor(s.now(), ttl); !t.IsZero() {
		expires = &t
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO directived_cache (key, value, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, raw, expires)
	if err != nil {
		return fmt.Errorf("store %q: %w", key, err)
	}
	return nil
}

// DeleteMatching translates simple globs into LIKE. Globs with classes or
// alternation are matched in Go against the key list.
func (s *PostgresStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	if like, ok := globToLike(pattern); ok {
		tag, err := s.pool.Exec(ctx, `DELETE FROM directived_cache WHERE key LIKE $1 ESCAPE '\'`, like)
		if err != nil {
			return 0, fmt.Errorf("delete %q: %w", pattern, err)
		}
		return int(tag.RowsAffected()), nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, err
	}
	rows, err := s.pool.Query(ctx, `SELECT key FROM directived_cache`)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	var matched []string
	for _, k := range keys {
		if g.Match(k) {
			matched = append(matched, k)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM directived_cache WHERE key = ANY($1)`, matched)
	if err != nil {
		return 0, fmt.Errorf("delete %q: %w", pattern, err)
	}
	return int(tag.RowsAffected()), nil
}

// Execute runs a SQL QuerySpec with the same result shape as SQLiteStore.
func (s *PostgresStore) Execute(ctx context.Context, spec domain.QuerySpec) (domain.Value, error) {
	if spec.Kind != domain.QuerySQL {
		return domain.Null(), fmt.Errorf("%w: %s", ErrUnsupportedQuery, spec.Kind)
	}
	args := nativeParams(spec.Params)
	if !isQuery(spec.Statement) {
		tag, err := s.pool.Exec(ctx, spec.Statement, args...)
		if err != nil {
			return domain.Null(), fmt.Errorf("exec: %w", err)
		}
		return rowsAffected(tag.RowsAffected()), nil
	}

	rows, err := s.pool.Query(ctx, spec.Statement, args...)
	if err != nil {
		return domain.Null(), fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []domain.Value
	for rows.Next() {
		cells, err := rows.Values()
		if err != nil {
			return domain.Null(), fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]domain.Value, len(fields))
		for i, f := range fields {
			row[f.Name] = columnValue(cells[i])
		}
		out = append(out, domain.Map(row))
	}
	if err := rows.Err(); err != nil {
		return domain.Null(), err
	}
	return domain.List(out...), nil
}

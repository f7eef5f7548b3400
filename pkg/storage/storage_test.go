package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/directived/pkg/domain"
)

// runAuthorityContract exercises the behaviour every L3 store shares.
func runAuthorityContract(t *testing.T, a domain.Authority, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := a.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	value := domain.Map(map[string]domain.Value{
		"name": domain.String("ada"),
		"tags": domain.List(domain.Int(1), domain.Duration(time.Second)),
	})
	require.NoError(t, a.Store(ctx, "user:1", value, time.Minute))
	require.NoError(t, a.Store(ctx, "user:2", domain.Int(2), 0))
	require.NoError(t, a.Store(ctx, "order:1", domain.Bool(true), time.Hour))

	got, ok, err := a.Load(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Value.Equal(value), "got %v", got.Value)
	assert.False(t, got.ExpiresAt.IsZero(), "ttl entries report their expiry")

	require.NoError(t, a.Store(ctx, "user:1", domain.String("replaced"), time.Minute))
	got, _, _ = a.Load(ctx, "user:1")
	assert.Equal(t, "replaced", got.Value.String())

	got, _, _ = a.Load(ctx, "user:2")
	assert.True(t, got.ExpiresAt.IsZero(), "zero ttl reports no expiry")

	advance(2 * time.Minute)
	_, ok, err = a.Load(ctx, "user:1")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must not load")
	_, ok, _ = a.Load(ctx, "user:2")
	assert.True(t, ok, "zero ttl never expires")

	n, err := a.DeleteMatching(ctx, "user:*")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	_, ok, _ = a.Load(ctx, "user:2")
	assert.False(t, ok)
	_, ok, _ = a.Load(ctx, "order:1")
	assert.True(t, ok)
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMemoryAuthority(t *testing.T) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	a := NewMemoryAuthority()
	a.now = clk.Now
	runAuthorityContract(t, a, clk.Advance)
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Authority(t *testing.T) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	s := openSQLite(t)
	s.now = clk.Now
	runAuthorityContract(t, s, clk.Advance)
}

func TestAuthority_ExpiryKeepsConcurrentStore(t *testing.T) {
	stores := map[string]func(t *testing.T) (domain.Authority, func(func() time.Time)){
		"memory": func(t *testing.T) (domain.Authority, func(func() time.Time)) {
			a := NewMemoryAuthority()
			return a, func(now func() time.Time) { a.now = now }
		},
		"sqlite": func(t *testing.T) (domain.Authority, func(func() time.Time)) {
			s := openSQLite(t)
			return s, func(now func() time.Time) { s.now = now }
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := &testClock{now: time.Unix(1_700_000_000, 0)}
			a, setNow := open(t)
			setNow(clk.Now)
			require.NoError(t, a.Store(ctx, "k", domain.String("stale"), time.Second))
			clk.Advance(2 * time.Second)

			// The first clock read after the expired row is seen lands a
			// fresh Store, as a concurrent writer would before the delete.
			armed := true
			setNow(func() time.Time {
				if armed {
					armed = false
					require.NoError(t, a.Store(ctx, "k", domain.String("fresh"), time.Minute))
				}
				return clk.Now()
			})
			_, ok, err := a.Load(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok, "the expired read reports a miss")

			got, ok, err := a.Load(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok, "the store that raced with expiry survives")
			assert.Equal(t, "fresh", got.Value.String())
		})
	}
}

func TestSQLiteStore_Execute(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	_, err := s.Execute(ctx, domain.QuerySpec{Kind: domain.QuerySQL, Statement: `CREATE TABLE items (name TEXT, qty INTEGER)`})
	require.NoError(t, err)

	res, err := s.Execute(ctx, domain.QuerySpec{
		Kind:      domain.QuerySQL,
		Statement: `INSERT INTO items (name, qty) VALUES (?, ?), (?, ?)`,
		Params:    []domain.Value{domain.String("bolt"), domain.Int(5), domain.String("nut"), domain.Int(0)},
	})
	require.NoError(t, err)
	affected, _ := res.Field("rows_affected")
	assert.True(t, affected.Equal(domain.Int(2)), "got %v", res)

	res, err = s.Execute(ctx, domain.QuerySpec{
		Kind:      domain.QuerySQL,
		Statement: `SELECT name, qty FROM items WHERE qty > ? ORDER BY name`,
		Params:    []domain.Value{domain.Int(1)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Len())
	row, _ := res.Index(0)
	name, _ := row.Field("name")
	qty, _ := row.Field("qty")
	assert.Equal(t, "bolt", name.String())
	assert.True(t, qty.Equal(domain.Int(5)))

	_, err = s.Execute(ctx, domain.QuerySpec{Kind: domain.QueryFile, Path: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
}

func TestSQLiteStore_GlobClasses(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	for _, k := range []string{"a1", "a2", "b1"} {
		require.NoError(t, s.Store(ctx, k, domain.Int(1), time.Minute))
	}
	n, err := s.DeleteMatching(ctx, "[ab]1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGlobToLike(t *testing.T) {
	tests := []struct {
		glob string
		like string
		ok   bool
	}{
		{"user:*", "user:%", true},
		{"user:?", "user:_", true},
		{"100%_done", `100\%\_done`, true},
		{`literal\*star`, "literal*star", true},
		{"[ab]*", "", false},
		{"{a,b}", "", false},
	}
	for _, tt := range tests {
		like, ok := globToLike(tt.glob)
		if ok != tt.ok || like != tt.like {
			t.Fatalf("globToLike(%q) = %q, %v; want %q, %v", tt.glob, like, ok, tt.like, tt.ok)
		}
	}
}

func TestIsQuery(t *testing.T) {
	assert.True(t, isQuery("  select 1"))
	assert.True(t, isQuery("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.True(t, isQuery("INSERT INTO t VALUES (1) RETURNING id"))
	assert.False(t, isQuery("UPDATE t SET a = 1"))
	assert.False(t, isQuery(""))
}

func TestNewPostgresPool_RejectsBadDSN(t *testing.T) {
	_, err := NewPostgresPool(context.Background(), PostgresOptions{})
	assert.Error(t, err)
	_, err = NewPostgresPool(context.Background(), PostgresOptions{DSN: "://bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse postgres dsn")
}

func TestFileExecutor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tpl"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tpl", "hello.txt"), []byte("hi there"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(strings.Repeat("x", 64)), 0o600))

	f, err := NewFileExecutor(root, 32)
	require.NoError(t, err)
	ctx := context.Background()

	v, err := f.Execute(ctx, domain.QuerySpec{Kind: domain.QueryFile, Path: "tpl/hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", v.String())

	for _, p := range []string{"../etc/passwd", "tpl/../../x", ""} {
		_, err := f.Execute(ctx, domain.QuerySpec{Kind: domain.QueryFile, Path: p})
		assert.ErrorIs(t, err, ErrPathOutsideRoot, p)
	}

	_, err = f.Execute(ctx, domain.QuerySpec{Kind: domain.QueryFile, Path: "big.txt"})
	assert.ErrorContains(t, err, "exceeds")

	_, err = f.Execute(ctx, domain.QuerySpec{Kind: domain.QueryFile, Path: "missing.txt"})
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			_, _ = w.Write([]byte(`{"id": 7, "name": "ada"}`))
		default:
			w.Header().Set("X-Method", r.Method)
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("plain"))
		}
	}))
	defer srv.Close()

	h := NewHTTPExecutor(HTTPOptions{Timeout: time.Second})
	ctx := context.Background()

	v, err := h.Execute(ctx, domain.QuerySpec{Kind: domain.QueryHTTP, Method: "get", URL: srv.URL + "/json"})
	require.NoError(t, err)
	status, _ := v.Field("status")
	assert.True(t, status.Equal(domain.Int(200)))
	body, _ := v.Field("body")
	id, _ := body.Field("id")
	assert.True(t, id.Equal(domain.Int(7)), "json integers decode as ints, got %v", id)

	v, err = h.Execute(ctx, domain.QuerySpec{Kind: domain.QueryHTTP, Method: "DELETE", URL: srv.URL + "/other"})
	require.NoError(t, err)
	status, _ = v.Field("status")
	assert.True(t, status.Equal(domain.Int(418)))
	headers, _ := v.Field("headers")
	method, _ := headers.Field("x-method")
	assert.Equal(t, "DELETE", method.String())
	body, _ = v.Field("body")
	assert.Equal(t, "plain", body.String())
}

func TestRouter(t *testing.T) {
	s := openSQLite(t)
	r := NewRouter().Handle(domain.QuerySQL, s).Handle(domain.QueryHTTP, nil)

	v, err := r.Execute(context.Background(), domain.QuerySpec{Kind: domain.QuerySQL, Statement: "SELECT 1 AS one"})
	require.NoError(t, err)
	row, _ := v.Index(0)
	one, _ := row.Field("one")
	assert.True(t, one.Equal(domain.Int(1)))

	_, err = r.Execute(context.Background(), domain.QuerySpec{Kind: domain.QueryHTTP, URL: "http://x"})
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
}

func TestSecrets(t *testing.T) {
	t.Setenv("DV_SECRET_JWT_KEY", "from-env")
	env := NewEnvSecrets("DV_SECRET_")
	v, ok := env.GetSecret("jwt-key")
	assert.True(t, ok)
	assert.Equal(t, "from-env", v)
	_, ok = env.GetSecret("other")
	assert.False(t, ok)

	static := NewMapSecrets(map[string]string{"api": "k1"})
	chain := ChainSecrets{env, static}
	v, ok = chain.GetSecret("api")
	assert.True(t, ok)
	assert.Equal(t, "k1", v)
	static.Set("api", "k2")
	v, _ = chain.GetSecret("api")
	assert.Equal(t, "k2", v)
}

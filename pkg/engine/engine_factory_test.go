package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/directived/internal/governance"
	"github.com/polisai/directived/pkg/config"
	"github.com/polisai/directived/pkg/telemetry"
)

const serviceSource = `
#cache profile { key: "profile:" + request.id, ttl: "1m" }
#route profile { path: "/profiles/{id}", handler: respond, body: { id: request.id } }
#cron nightly { schedule: "0 3 * * *", handler: respond }
`

func serviceConfig(t *testing.T, src string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "main.dsl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o600))

	cfg := config.Default()
	cfg.Source.Path = path
	cfg.Source.Watch = false
	cfg.Audit.Log = false
	cfg.Cache.L3 = config.L3Config{Driver: "sqlite", DSN: filepath.Join(dir, "cache.db")}
	cfg.Query.SQL = true
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestService_ServesConfiguredSource(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := serviceConfig(t, serviceSource)
	cfg.Cache.L2 = config.L2Config{Driver: "redis", Addr: mr.Addr(), Prefix: "dv:"}

	ctx := context.Background()
	svc, err := NewService(ctx, ServiceConfig{Config: cfg, Logger: discardLogger(), Metrics: telemetry.NewMetrics()})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { assert.NoError(t, svc.Close()) })

	assert.Equal(t, []string{"cron.nightly"}, svc.Scheduler.Scheduled())
	assert.Contains(t, svc.Handlers.Names(), "cache")
	_, ok := svc.Registry.Lookup("query")
	assert.True(t, ok, "query router registers @query")

	rec := httptest.NewRecorder()
	svc.HTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles/3", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"3"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	svc.HTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles/3", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), svc.Cache.Stats().L1Hits)
	assert.True(t, mr.Exists("dv:profile:3"), "populate reaches the redis tier")
}

func TestService_StartFailsOnBrokenSource(t *testing.T) {
	cfg := serviceConfig(t, `#route broken { path: "/x", handler: }`)

	ctx := context.Background()
	svc, err := NewService(ctx, ServiceConfig{Config: cfg, Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	require.Error(t, svc.Start(ctx))
	assert.Nil(t, svc.Store.Load())
}

func TestService_ReloadDropsRateLimitBuckets(t *testing.T) {
	cfg := serviceConfig(t, serviceSource)
	ctx := context.Background()
	svc, err := NewService(ctx, ServiceConfig{Config: cfg, Logger: discardLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	limit := governance.RateLimiterConfig{RequestsPerSecond: 1}
	svc.Limiter.Allow("route.profile", "10.0.0.1", limit)
	svc.Limiter.Allow("middleware.removed", "10.0.0.1", limit)
	require.Equal(t, 2, svc.Limiter.Len())

	require.NoError(t, svc.Start(ctx))
	stats := svc.Limiter.Stats()
	assert.Len(t, stats, 1)
	assert.Contains(t, stats, "route.profile:10.0.0.1")
}

func TestService_RejectsUnreachableRedis(t *testing.T) {
	cfg := serviceConfig(t, serviceSource)
	cfg.Cache.L2 = config.L2Config{Driver: "redis", Addr: "127.0.0.1:1"}

	_, err := NewService(context.Background(), ServiceConfig{Config: cfg, Logger: discardLogger()})
	require.Error(t, err)
}

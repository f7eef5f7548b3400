package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/directived/pkg/cache"
	"github.com/polisai/directived/pkg/domain"
	"github.com/polisai/directived/pkg/engine/handlers"
	"github.com/polisai/directived/pkg/engine/runtime"
)

const e2eSecret = "an-hs256-secret-of-some-length"

const e2eSource = `
#cache items { key: "items:" + request.id, ttl: "30s", priority: 10 }
#auth require_login { strategy: "jwt", secret: "` + e2eSecret + `", priority: 5 }
#route item { path: "/items/{id}", handler: origin, priority: 20 }
`

func TestEndToEnd_AuthThenCache(t *testing.T) {
	var originCalls atomic.Int32
	origin := runtime.HandlerFunc(func(ctx context.Context, ec *domain.ExecutionContext, attrs *runtime.Attributes) runtime.Outcome {
		originCalls.Add(1)
		id, _ := ec.Lookup([]string{"request", "id"})
		p, _ := ec.Identity()
		ec.SetResponse(runtime.Response(http.StatusOK, domain.Map(map[string]domain.Value{
			"id":     id,
			"viewer": domain.String(p.Subject),
		})))
		return runtime.Continue()
	})

	engine, err := cache.New(cache.Config{}, cache.NewMemoryBackend(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	h := newHarness(t, "", map[string]runtime.Handler{"origin": origin})
	require.NoError(t, handlers.Register(h.handlers, handlers.Deps{Cache: engine, Logger: discardLogger()}))
	_, err = h.reloader.Reload(e2eSource)
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(e2eSecret))
	require.NoError(t, err)

	unit := func(authorization string) Unit {
		headers := map[string]domain.Value{}
		if authorization != "" {
			headers["authorization"] = domain.String(authorization)
		}
		return Unit{
			Kind:  UnitRequest,
			Route: "route.item",
			Input: map[string]domain.Value{"request": domain.Map(map[string]domain.Value{
				"id":      domain.String("42"),
				"headers": domain.Map(headers),
			})},
		}
	}
	ctx := context.Background()

	first := h.executor.Execute(ctx, unit("Bearer "+token))
	require.Equal(t, StateCompleted, first.State, "%v", first.Err)
	assert.Equal(t, []string{"auth.require_login", "cache.items", "route.item"}, first.Executed())

	second := h.executor.Execute(ctx, unit("Bearer "+token))
	require.Equal(t, StateShortCircuited, second.State, "%v", second.Err)
	assert.Equal(t, []string{"auth.require_login", "cache.items"}, second.Executed())
	assert.True(t, first.Response.Equal(second.Response))
	assert.Equal(t, int32(1), originCalls.Load())
	cached, ok, err := engine.Get(ctx, "items:42")
	require.NoError(t, err)
	require.True(t, ok, "the response is stored under the resolved key")
	assert.True(t, cached.Equal(first.Response))

	denied := h.executor.Execute(ctx, unit(""))
	require.Equal(t, StateShortCircuited, denied.State)
	status, _ := denied.Response.Field("status")
	assert.True(t, status.Equal(domain.Int(http.StatusUnauthorized)))
	assert.Equal(t, []string{"auth.require_login"}, denied.Executed())

	stats := engine.Stats()
	assert.Equal(t, int64(2), stats.L1Hits)
	assert.Equal(t, int64(1), stats.Misses)

	// the same flow over HTTP
	hh, err := NewHTTPHandler(HTTPHandlerConfig{Store: h.store, Executor: h.executor, Logger: discardLogger()})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/items/42", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	hh.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"42","viewer":"alice"}`, rec.Body.String())
	assert.Equal(t, int32(1), originCalls.Load())

	rec = httptest.NewRecorder()
	hh.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

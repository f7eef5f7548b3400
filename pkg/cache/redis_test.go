package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/directived/pkg/domain"
)

func newRedisBackend(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisBackend(client, "dv:")
}

func TestRedisBackend_GetSet(t *testing.T) {
	ctx := context.Background()
	mr, b := newRedisBackend(t)

	_, ok, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "k", []byte("payload"), time.Minute))
	assert.True(t, mr.Exists("dv:k"), "keys are stored under the prefix")

	got, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))

	mr.FastForward(2 * time.Minute)
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "ttl is enforced by redis")
}

func TestRedisBackend_DeleteMatching(t *testing.T) {
	ctx := context.Background()
	mr, b := newRedisBackend(t)
	for i := 0; i < 450; i++ {
		key := fmt.Sprintf("session:%d", i)
		require.NoError(t, b.Set(ctx, key, []byte("x"), time.Minute))
	}
	require.NoError(t, b.Set(ctx, "user:1", []byte("x"), time.Minute))
	require.NoError(t, mr.Set("foreign:session:1", "x"))

	n, err := b.DeleteMatching(ctx, "session:*")
	require.NoError(t, err)
	assert.Equal(t, 450, n)
	assert.True(t, mr.Exists("dv:user:1"))
	assert.True(t, mr.Exists("foreign:session:1"), "keys outside the prefix are untouched")
}

func TestRedisBackend_AsEngineL2(t *testing.T) {
	ctx := context.Background()
	_, b := newRedisBackend(t)
	writer := newEngine(t, Config{}, b, nil)
	require.NoError(t, writer.Set(ctx, "feed", domain.List(domain.Int(1), domain.String("two")), time.Minute))

	reader := newEngine(t, Config{}, b, nil)
	v, ok, err := reader.Get(ctx, "feed")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(domain.List(domain.Int(1), domain.String("two"))), "got %v", v)
	assert.Equal(t, int64(1), reader.Stats().L2Hits)

	res, err := reader.Invalidate(ctx, "fe?d")
	require.NoError(t, err)
	assert.Equal(t, 1, res.L2)
}

func TestRedisBackend_UnreachableFallsThrough(t *testing.T) {
	ctx := context.Background()
	mr, b := newRedisBackend(t)
	l3 := newFakeAuthority()
	l3.data["k"] = domain.String("authoritative")
	e := newEngine(t, Config{}, b, l3)

	mr.Close()
	v, ok, err := e.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "authoritative", v.String())
}

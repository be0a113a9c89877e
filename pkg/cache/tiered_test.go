package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
)

func newTieredCache(t *testing.T) (*Tiered, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	local, err := NewLocal(Config{}, clock.NewSystem(),
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)
	tc := NewTiered(local, rdb, observability.NewNoopLogger())
	t.Cleanup(func() { require.NoError(t, tc.Close()) })
	return tc, mr
}

func TestTieredPutWritesBothTiers(t *testing.T) {
	ctx := context.Background()
	tc, mr := newTieredCache(t)

	key := Key("tenant-a", "k")
	require.NoError(t, tc.Put(ctx, key, "value", time.Minute))

	var got string
	hit, err := tc.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "value", got)

	raw, err := mr.Get(redisNamespace + key)
	require.NoError(t, err)
	assert.Equal(t, `"value"`, raw)
}

func TestTieredRedisHitPromotesToLocal(t *testing.T) {
	ctx := context.Background()
	tc, mr := newTieredCache(t)
	key := Key("tenant-a", "warm")

	// Seed redis only, as if another instance had filled it
	require.NoError(t, mr.Set(redisNamespace+key, `{"n":1}`))
	mr.SetTTL(redisNamespace+key, time.Minute)

	var got map[string]int
	hit, err := tc.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, got["n"])

	// Second read is served locally even after redis loses the key
	mr.Del(redisNamespace + key)
	hit, err = tc.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestTieredRedisDownDegradesToLocal(t *testing.T) {
	ctx := context.Background()
	tc, mr := newTieredCache(t)
	key := Key("tenant-a", "k")

	mr.Close()
	require.NoError(t, tc.Put(ctx, key, "survives", time.Minute), "redis write failure is not surfaced")

	var got string
	hit, err := tc.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "survives", got)
}

func TestTieredInvalidatePrefixClearsRedis(t *testing.T) {
	ctx := context.Background()
	tc, mr := newTieredCache(t)

	require.NoError(t, tc.Put(ctx, Key("tenant-a", "x"), 1, time.Minute))
	require.NoError(t, tc.Put(ctx, Key("tenant-a", "y"), 2, time.Minute))
	require.NoError(t, tc.Put(ctx, Key("tenant-b", "z"), 3, time.Minute))

	dropped, err := tc.InvalidatePrefix(ctx, "tenant-a:")
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	assert.False(t, mr.Exists(redisNamespace+Key("tenant-a", "x")))
	assert.True(t, mr.Exists(redisNamespace+Key("tenant-b", "z")))
}

func TestTieredGetOrComputeUsesRedis(t *testing.T) {
	ctx := context.Background()
	tc, mr := newTieredCache(t)
	key := Key("tenant-a", "k")

	require.NoError(t, mr.Set(redisNamespace+key, `"from-redis"`))

	var got string
	var computed bool
	err := tc.GetOrCompute(ctx, key, time.Minute, func(context.Context) (interface{}, error) {
		computed = true
		return "from-compute", nil
	}, &got)
	require.NoError(t, err)
	assert.False(t, computed, "redis value short-circuits the compute")
	assert.Equal(t, "from-redis", got)
}

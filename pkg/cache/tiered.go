package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
)

// redisNamespace prefixes every key written to the shared redis so the
// cache can coexist with other users of the instance.
const redisNamespace = "pilothouse:cache:"

// Tiered layers the local cache over a redis second tier. Redis failures
// degrade to local-only behaviour; they are logged, never surfaced.
type Tiered struct {
	local  *Local
	rdb    *redis.Client
	logger observability.Logger
}

// NewTiered wraps a local cache with a redis tier
func NewTiered(local *Local, rdb *redis.Client, logger observability.Logger) *Tiered {
	return &Tiered{local: local, rdb: rdb, logger: logger.WithPrefix("cache.redis")}
}

// Get implements Cache.Get, falling through to redis on a local miss.
// A redis hit is promoted into the local tier with its remaining TTL.
func (t *Tiered) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	hit, err := t.local.Get(ctx, key, out)
	if err != nil || hit {
		return hit, err
	}

	raw, err := t.rdb.Get(ctx, redisNamespace+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		t.logger.Warn("redis get failed", map[string]interface{}{"key": key, "error": err.Error()})
		return false, nil
	}

	if ttl, err := t.rdb.TTL(ctx, redisNamespace+key).Result(); err == nil && ttl > 0 {
		var value interface{}
		if json.Unmarshal(raw, &value) == nil {
			_ = t.local.Put(ctx, key, value, ttl)
		}
	}
	return true, decodeInto(raw, out)
}

// Put implements Cache.Put; the redis write is best-effort
func (t *Tiered) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := t.local.Put(ctx, key, value, ttl); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode cache value")
	}
	if err := t.rdb.Set(ctx, redisNamespace+key, raw, ttl).Err(); err != nil {
		t.logger.Warn("redis set failed", map[string]interface{}{"key": key, "error": err.Error()})
	}
	return nil
}

// GetOrCompute implements Cache.GetOrCompute across both tiers
func (t *Tiered) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (interface{}, error), out interface{}) error {
	return t.local.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (interface{}, error) {
		raw, err := t.rdb.Get(ctx, redisNamespace+key).Bytes()
		if err == nil {
			var value interface{}
			if jerr := json.Unmarshal(raw, &value); jerr == nil {
				return value, nil
			}
		}
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if raw, jerr := json.Marshal(value); jerr == nil {
			if serr := t.rdb.Set(ctx, redisNamespace+key, raw, ttl).Err(); serr != nil {
				t.logger.Warn("redis set failed", map[string]interface{}{"key": key, "error": serr.Error()})
			}
		}
		return value, nil
	}, out)
}

// InvalidatePrefix implements Cache.InvalidatePrefix across both tiers
func (t *Tiered) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	dropped, err := t.local.InvalidatePrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}

	iter := t.rdb.Scan(ctx, 0, redisNamespace+prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		t.logger.Warn("redis scan failed", map[string]interface{}{"prefix": prefix, "error": err.Error()})
		return dropped, nil
	}
	if len(keys) > 0 {
		if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
			t.logger.Warn("redis del failed", map[string]interface{}{"prefix": prefix, "error": err.Error()})
		}
	}
	return dropped, nil
}

// Stats implements Cache.Stats for the local tier; redis keeps its own
func (t *Tiered) Stats() Stats { return t.local.Stats() }

// Close stops the local sweeper and releases the redis client
func (t *Tiered) Close() error {
	if err := t.local.Close(); err != nil {
		return err
	}
	return t.rdb.Close()
}

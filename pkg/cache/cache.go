// Package cache provides the tenant-scoped response cache: a sharded
// in-process TTL/LRU store with a background sweeper, and an optional
// redis tier layered on top. Keys embed the owning tenant as their first
// segment; lookups can never cross tenants because the key is the scope.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/pilothouse-ai/pilothouse/pkg/clock"
	"github.com/pilothouse-ai/pilothouse/pkg/errors"
	"github.com/pilothouse-ai/pilothouse/pkg/observability"
)

// Cache is the response cache port. Values cross the boundary as JSON;
// Get decodes into out and reports whether the key was present and live.
type Cache interface {
	Get(ctx context.Context, key string, out interface{}) (bool, error)
	Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// GetOrCompute returns the cached value for key, computing and
	// storing it once when absent. Concurrent callers for the same key
	// share a single compute.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (interface{}, error), out interface{}) error

	// InvalidatePrefix removes every entry whose key starts with prefix
	// and returns how many were dropped. Concurrent readers observe the
	// old set or the new set, never a partial one.
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)

	Stats() Stats
	Close() error
}

// Stats is a point-in-time snapshot of cache effectiveness
type Stats struct {
	Size       int     `json:"size"`
	MaxEntries int     `json:"max_entries"`
	Bytes      int64   `json:"bytes"`
	MaxBytes   int64   `json:"max_bytes"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// Key builds a tenant-scoped cache key. The tenant id is always the
// first segment so prefix invalidation by tenant works.
func Key(tenantID string, parts ...string) string {
	return tenantID + ":" + strings.Join(parts, ":")
}

// validateKey enforces the tenant-first key shape
func validateKey(key string) error {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 {
		return errors.Newf(errors.KindValidation, "cache key %q lacks a tenant segment", key)
	}
	return nil
}

// Config bounds the local cache
type Config struct {
	Shards        int
	MaxEntries    int
	MaxBytes      int64
	SweepInterval time.Duration
}

type entry struct {
	raw       []byte
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	bytes   int64
}

// Local is the sharded in-process cache
type Local struct {
	shards   []*shard
	mask     uint32
	shardCap int
	maxBytes int64
	clk      clock.Clock
	logger   observability.Logger
	metrics  observability.MetricsClient
	group    singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLocal creates the sharded cache and starts its sweeper. Shards must
// be a power of two; zero values take defaults sized for a single node.
func NewLocal(cfg Config, clk clock.Clock, logger observability.Logger, metrics observability.MetricsClient) (*Local, error) {
	if cfg.Shards == 0 {
		cfg.Shards = 16
	}
	if cfg.Shards&(cfg.Shards-1) != 0 {
		return nil, errors.Newf(errors.KindValidation, "cache shards must be a power of two, got %d", cfg.Shards)
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 64 << 20
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	c := &Local{
		shards:   make([]*shard, cfg.Shards),
		mask:     uint32(cfg.Shards - 1),
		maxBytes: cfg.MaxBytes,
		clk:      clk,
		logger:   logger.WithPrefix("cache"),
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	perShard := cfg.MaxEntries / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}
	c.shardCap = perShard
	for i := range c.shards {
		s := &shard{}
		// The eviction callback keeps the byte count honest for both
		// explicit removes and LRU pressure.
		l, err := lru.NewWithEvict[string, *entry](perShard, func(key string, e *entry) {
			s.bytes -= int64(len(e.raw) + len(key))
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "create cache shard")
		}
		s.entries = l
		c.shards[i] = s
	}

	go c.sweep(cfg.SweepInterval)
	return c, nil
}

// Get implements Cache.Get with lazy expiry
func (c *Local) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	raw, ok := c.lookup(key)
	if !ok {
		c.misses.Add(1)
		return false, nil
	}
	c.hits.Add(1)
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, errors.Wrap(err, errors.KindInternal, "decode cache value")
		}
	}
	return true, nil
}

// lookup reads a live entry without touching the hit/miss counters
func (c *Local) lookup(key string) ([]byte, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries.Get(key)
	if !ok {
		return nil, false
	}
	if c.clk.Now().After(e.expiresAt) {
		s.entries.Remove(key)
		return nil, false
	}
	return e.raw, true
}

// Put implements Cache.Put
func (c *Local) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New(errors.KindValidation, "cache ttl must be positive")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode cache value")
	}
	e := &entry{raw: raw, expiresAt: c.clk.Now().Add(ttl)}

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	// Remove first so the eviction callback settles the old entry's bytes
	s.entries.Remove(key)
	s.entries.Add(key, e)
	s.bytes += int64(len(raw) + len(key))

	// Shed oldest entries while this shard exceeds its byte share
	budget := c.maxBytes / int64(len(c.shards))
	for s.bytes > budget && s.entries.Len() > 1 {
		s.entries.RemoveOldest()
	}
	return nil
}

// GetOrCompute implements Cache.GetOrCompute with per-key once semantics.
// Callers served by a shared flight count as hits; the one underlying
// compute counts as the sole miss.
func (c *Local) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (interface{}, error), out interface{}) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if raw, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return decodeInto(raw, out)
	}
	raw, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight lock: a racing filler may have
		// landed between the miss and here.
		if raw, ok := c.lookup(key); ok {
			return raw, nil
		}
		c.misses.Add(1)
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, key, value, ttl); err != nil {
			return nil, err
		}
		return json.Marshal(value)
	})
	if err != nil {
		return err
	}
	if shared {
		c.hits.Add(1)
	}
	return decodeInto(raw.([]byte), out)
}

func decodeInto(raw []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.KindInternal, "decode cache value")
	}
	return nil
}

// InvalidatePrefix implements Cache.InvalidatePrefix. Each shard drops
// its matching keys under its own lock, so a reader sees a shard either
// before or after its invalidation, never mid-way.
func (c *Local) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New(errors.KindValidation, "invalidation prefix must not be empty")
	}
	var dropped int
	for _, s := range c.shards {
		s.mu.Lock()
		for _, key := range s.entries.Keys() {
			if strings.HasPrefix(key, prefix) {
				s.entries.Remove(key)
				dropped++
			}
		}
		s.mu.Unlock()
	}
	if c.metrics != nil {
		c.metrics.IncrementCounterWithLabels("cache_invalidations_total", float64(dropped), map[string]string{"prefix": prefix})
	}
	return dropped, nil
}

// Stats implements Cache.Stats
func (c *Local) Stats() Stats {
	var size int
	var bytes int64
	for _, s := range c.shards {
		s.mu.Lock()
		size += s.entries.Len()
		bytes += s.bytes
		s.mu.Unlock()
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{
		Size:       size,
		MaxEntries: len(c.shards) * c.shardCap,
		Bytes:      bytes,
		MaxBytes:   c.maxBytes,
		Hits:       hits,
		Misses:     misses,
		HitRate:    rate,
	}
}

// Close stops the sweeper and waits for it to exit
func (c *Local) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

func (c *Local) shardFor(key string) *shard {
	return c.shards[fnv32(key)&c.mask]
}

// sweep removes expired entries on a fixed cadence
func (c *Local) sweep(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := c.clk.Now()
			var swept int
			for _, s := range c.shards {
				s.mu.Lock()
				for _, key := range s.entries.Keys() {
					if e, ok := s.entries.Peek(key); ok && now.After(e.expiresAt) {
						s.entries.Remove(key)
						swept++
					}
				}
				s.mu.Unlock()
			}
			if swept > 0 {
				c.logger.Debug("swept expired entries", map[string]interface{}{"count": swept})
			}
		}
	}
}

// fnv32 hashes a key to a shard index
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

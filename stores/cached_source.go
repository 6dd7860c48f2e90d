package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/relward/relward"
)

// CacheOptions sizes the ristretto cache in front of a source. Zero
// values fall back to defaults suited to a few thousand hot instances.
type CacheOptions struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

// CachedSource wraps another source with a ristretto instance cache.
// Only found instances are cached; absence is always re-checked against
// the inner source. Sequences are never cached, so to-many reads stay
// as fresh as the inner source.
type CachedSource struct {
	inner relward.Source
	reg   *relward.Registry
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCachedSource(inner relward.Source, reg *relward.Registry, opts CacheOptions) (*CachedSource, error) {
	if opts.NumCounters <= 0 {
		opts.NumCounters = 100_000
	}
	if opts.MaxCost <= 0 {
		opts.MaxCost = 10_000
	}
	if opts.BufferItems <= 0 {
		opts.BufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: opts.NumCounters,
		MaxCost:     opts.MaxCost,
		BufferItems: opts.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("instance cache: %w", err)
	}
	return &CachedSource{inner: inner, reg: reg, cache: cache, ttl: opts.TTL}, nil
}

func cacheKey(entity, id string) string {
	return entity + "\x00" + id
}

func (c *CachedSource) FetchByID(ctx context.Context, entity, id string) (*relward.Instance, error) {
	if v, ok := c.cache.Get(cacheKey(entity, id)); ok {
		return v.(*relward.Instance), nil
	}
	inst, err := c.inner.FetchByID(ctx, entity, id)
	if err != nil || inst == nil {
		return inst, err
	}
	if c.ttl > 0 {
		c.cache.SetWithTTL(cacheKey(entity, id), inst, 1, c.ttl)
	} else {
		c.cache.Set(cacheKey(entity, id), inst, 1)
	}
	return inst, nil
}

func (c *CachedSource) FetchOne(ctx context.Context, inst *relward.Instance, relation string) (*relward.Instance, error) {
	def, ok := c.reg.Entity(inst.Entity)
	if !ok {
		return nil, fmt.Errorf("entity %q is not declared", inst.Entity)
	}
	rel, ok := def.Relation(relation)
	if !ok || rel.Cardinality != relward.One {
		return nil, fmt.Errorf("entity %s has no to-one relation %q", inst.Entity, relation)
	}
	ref := inst.Refs[relation]
	if ref == "" {
		return nil, nil
	}
	return c.FetchByID(ctx, rel.Target, ref)
}

func (c *CachedSource) FetchMany(ctx context.Context, inst *relward.Instance, relation string) (relward.Cursor, error) {
	return c.inner.FetchMany(ctx, inst, relation)
}

// Invalidate drops one instance from the cache, for callers that just
// wrote it.
func (c *CachedSource) Invalidate(entity, id string) {
	c.cache.Del(cacheKey(entity, id))
}

// Wait blocks until buffered cache writes have been applied. Mostly
// useful in tests.
func (c *CachedSource) Wait() {
	c.cache.Wait()
}

func (c *CachedSource) Close() {
	c.cache.Close()
}

package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crm/backend/internal/domain/analytics"
	"github.com/crm/backend/internal/domain/crm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultStaleTime is how long a fetched result is served before it is re-fetched
const DefaultStaleTime = 5 * time.Minute

const defaultRefreshConcurrency = 4

// FetchFunc loads the value of a query
type FetchFunc func(ctx context.Context) (any, error)

// Observer receives cache events, typically to record metrics
type Observer interface {
	CacheHit(ctx context.Context, entity string)
	CacheMiss(ctx context.Context, entity string, stale bool)
	CacheInvalidated(ctx context.Context, scope string, entries int)
}

// Stats is a snapshot of cache counters
type Stats struct {
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	StaleHits     int64         `json:"stale_hits"`
	Invalidations int64         `json:"invalidations"`
	Entries       int           `json:"entries"`
	StaleEntries  int           `json:"stale_entries"`
	StaleTime     time.Duration `json:"stale_time"`
}

// queryEntry is one cached query result
type queryEntry struct {
	key       analytics.QueryKey
	value     any
	fetchedAt time.Time
	stale     bool
	version   uint64
	deps      []crm.EntityType
	fetch     FetchFunc
}

// QueryCache maps query keys to their last fetched result. An entry is served
// unchanged until its staleness window elapses or an invalidation marks it
// stale; the next access then re-fetches. Concurrent fetches of one key are
// collapsed into a single call. There is no size-based eviction.
type QueryCache struct {
	mu       sync.RWMutex
	entries  map[string]*queryEntry
	byEntity map[crm.EntityType]map[string]struct{}
	// versions is bumped per entity on invalidation so a fetch that raced an
	// invalidation is stored already stale. The version is part of the
	// singleflight key: callers arriving after an invalidation never join a
	// fetch that started before it.
	versions    map[crm.EntityType]uint64
	keyVersions map[string]uint64
	allVersion  uint64

	group     singleflight.Group
	staleTime time.Duration
	logger    *zap.Logger
	observer  Observer
	now       func() time.Time

	hits          int64
	misses        int64
	staleHits     int64
	invalidations int64
}

// QueryCacheOption is a functional option for configuring the cache
type QueryCacheOption func(*QueryCache)

// WithStaleTime sets the staleness window
func WithStaleTime(d time.Duration) QueryCacheOption {
	return func(c *QueryCache) {
		if d > 0 {
			c.staleTime = d
		}
	}
}

// WithQueryCacheLogger sets the logger for the cache
func WithQueryCacheLogger(logger *zap.Logger) QueryCacheOption {
	return func(c *QueryCache) {
		c.logger = logger
	}
}

// WithObserver sets the observer notified of hits, misses and invalidations
func WithObserver(o Observer) QueryCacheOption {
	return func(c *QueryCache) {
		c.observer = o
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) QueryCacheOption {
	return func(c *QueryCache) {
		c.now = now
	}
}

// NewQueryCache creates an empty query cache
func NewQueryCache(opts ...QueryCacheOption) *QueryCache {
	c := &QueryCache{
		entries:     make(map[string]*queryEntry),
		byEntity:    make(map[crm.EntityType]map[string]struct{}),
		versions:    make(map[crm.EntityType]uint64),
		keyVersions: make(map[string]uint64),
		staleTime:   DefaultStaleTime,
		logger:      zap.NewNop(),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// StaleTime returns the staleness window
func (c *QueryCache) StaleTime() time.Duration {
	return c.staleTime
}

// isFresh must be called with mu held
func (c *QueryCache) isFresh(e *queryEntry) bool {
	return !e.stale && c.now().Sub(e.fetchedAt) < c.staleTime
}

// Get returns the cached value of key if it is within its staleness window
func (c *QueryCache) Get(key analytics.QueryKey) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key.String()]
	if !ok || !c.isFresh(e) {
		return nil, false
	}
	return e.value, true
}

// GetOrFetch returns the cached value of key, fetching it when the entry is
// missing or stale. deps lists the entity types the value is derived from.
// Fetch errors are returned as is and leave any previous entry untouched.
func (c *QueryCache) GetOrFetch(ctx context.Context, key analytics.QueryKey, deps []crm.EntityType, fetch FetchFunc) (any, error) {
	k := key.String()

	c.mu.RLock()
	e, ok := c.entries[k]
	fresh := ok && c.isFresh(e)
	var value any
	if fresh {
		value = e.value
	}
	c.mu.RUnlock()

	if fresh {
		atomic.AddInt64(&c.hits, 1)
		c.notifyHit(ctx, key.Entity)
		c.logger.Debug("Query cache hit", zap.String("key", k))
		return value, nil
	}

	if ok {
		atomic.AddInt64(&c.staleHits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	c.notifyMiss(ctx, key.Entity, ok)
	c.logger.Debug("Query cache miss", zap.String("key", k), zap.Bool("stale", ok))

	return c.fetch(ctx, key, deps, fetch)
}

// fetch runs fetch once per key across concurrent callers. The shared call is
// detached from the caller's cancellation; each caller still stops waiting
// when its own context is done.
func (c *QueryCache) fetch(ctx context.Context, key analytics.QueryKey, deps []crm.EntityType, fetch FetchFunc) (any, error) {
	k := key.String()
	version := c.version(k, deps)
	ch := c.group.DoChan(fmt.Sprintf("%s#%d", k, version), func() (any, error) {
		value, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		c.store(key, deps, fetch, value, version)
		return value, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *QueryCache) version(k string, deps []crm.EntityType) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versionLocked(k, deps)
}

// versionLocked sums only counters that never decrease, so any invalidation
// touching the key strictly increases it. Must be called with mu held.
func (c *QueryCache) versionLocked(k string, deps []crm.EntityType) uint64 {
	v := c.allVersion + c.keyVersions[k]
	for _, d := range deps {
		v += c.versions[d]
	}
	return v
}

func (c *QueryCache) store(key analytics.QueryKey, deps []crm.EntityType, fetch FetchFunc, value any, version uint64) {
	k := key.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[k]; ok && existing.version > version {
		return
	}

	c.entries[k] = &queryEntry{
		key:       key,
		value:     value,
		fetchedAt: c.now(),
		stale:     c.versionLocked(k, deps) != version,
		version:   version,
		deps:      deps,
		fetch:     fetch,
	}
	for _, d := range deps {
		keys, ok := c.byEntity[d]
		if !ok {
			keys = make(map[string]struct{})
			c.byEntity[d] = keys
		}
		keys[k] = struct{}{}
	}
}

// Invalidate marks every entry depending on entity stale and returns how many
// entries were affected
func (c *QueryCache) Invalidate(ctx context.Context, entity crm.EntityType) int {
	c.mu.Lock()
	c.versions[entity]++
	n := 0
	for k := range c.byEntity[entity] {
		if e, ok := c.entries[k]; ok && !e.stale {
			e.stale = true
			n++
		}
	}
	c.mu.Unlock()

	atomic.AddInt64(&c.invalidations, 1)
	c.notifyInvalidated(ctx, string(entity), n)
	c.logger.Debug("Invalidated query cache entity",
		zap.String("entity", string(entity)),
		zap.Int("entries", n))
	return n
}

// InvalidateKey marks a single entry stale
func (c *QueryCache) InvalidateKey(ctx context.Context, key analytics.QueryKey) bool {
	c.mu.Lock()
	c.keyVersions[key.String()]++
	e, ok := c.entries[key.String()]
	if ok {
		e.stale = true
	}
	c.mu.Unlock()

	if ok {
		atomic.AddInt64(&c.invalidations, 1)
		c.notifyInvalidated(ctx, key.Entity, 1)
	}
	return ok
}

// InvalidateAll marks every entry stale
func (c *QueryCache) InvalidateAll(ctx context.Context) int {
	c.mu.Lock()
	c.allVersion++
	n := 0
	for _, e := range c.entries {
		if !e.stale {
			e.stale = true
			n++
		}
	}
	c.mu.Unlock()

	atomic.AddInt64(&c.invalidations, 1)
	c.notifyInvalidated(ctx, "all", n)
	c.logger.Debug("Invalidated all query cache entries", zap.Int("entries", n))
	return n
}

// Refresh marks every entry stale and re-fetches each one with the fetch
// function it was stored with. Entries whose re-fetch fails stay stale and are
// retried on next access.
func (c *QueryCache) Refresh(ctx context.Context) (int, error) {
	c.InvalidateAll(ctx)

	c.mu.RLock()
	pending := make([]*queryEntry, 0, len(c.entries))
	for _, e := range c.entries {
		pending = append(pending, e)
	}
	c.mu.RUnlock()

	var refreshed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultRefreshConcurrency)
	for _, e := range pending {
		e := e
		g.Go(func() error {
			if _, err := c.fetch(gctx, e.key, e.deps, e.fetch); err != nil {
				c.logger.Warn("Failed to refresh query cache entry",
					zap.String("key", e.key.String()),
					zap.Error(err))
				return nil
			}
			atomic.AddInt64(&refreshed, 1)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return int(refreshed), fmt.Errorf("refresh query cache: %w", err)
	}
	return int(refreshed), nil
}

// Len returns the number of entries
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cache statistics
func (c *QueryCache) Stats() Stats {
	c.mu.RLock()
	stale := 0
	for _, e := range c.entries {
		if !c.isFresh(e) {
			stale++
		}
	}
	entries := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		StaleHits:     atomic.LoadInt64(&c.staleHits),
		Invalidations: atomic.LoadInt64(&c.invalidations),
		Entries:       entries,
		StaleEntries:  stale,
		StaleTime:     c.staleTime,
	}
}

func (c *QueryCache) notifyHit(ctx context.Context, entity string) {
	if c.observer != nil {
		c.observer.CacheHit(ctx, entity)
	}
}

func (c *QueryCache) notifyMiss(ctx context.Context, entity string, stale bool) {
	if c.observer != nil {
		c.observer.CacheMiss(ctx, entity, stale)
	}
}

func (c *QueryCache) notifyInvalidated(ctx context.Context, scope string, n int) {
	if c.observer != nil {
		c.observer.CacheInvalidated(ctx, scope, n)
	}
}

// Package cache is an in-process query cache keyed like the dashboard's
// query keys, e.g. ["/api/monitoring/data", "field-1"].
//
// Entries go stale on Invalidate or when their TTL elapses. A stale or
// missing entry is fetched once even when many callers ask concurrently.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key identifies a query. Its first element is the resource path.
type Key []string

// String joins the key for logging and map lookups.
func (k Key) String() string {
	return strings.Join(k, "\x1f")
}

// HasPrefix reports whether k starts with every element of prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// FetchFunc loads the value for a key.
type FetchFunc func(ctx context.Context) (any, error)

type entry struct {
	key       Key
	value     any
	fetchedAt time.Time
	stale     bool
}

// Stats counts cache activity.
type Stats struct {
	Hits          int64
	Misses        int64
	Fetches       int64
	FetchErrors   int64
	Invalidations int64
	Entries       int
}

// Cache stores query results.
type Cache struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	version uint64 // bumped by Invalidate and Clear

	group singleflight.Group

	hits, misses, fetches, fetchErrors, invalidations atomic.Int64
}

// New creates a Cache. A zero ttl keeps entries fresh until invalidated.
func New(ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Get returns the cached value for key, fetching it when missing or stale.
func (c *Cache) Get(ctx context.Context, key Key, fetch FetchFunc) (any, error) {
	id := key.String()

	c.mu.RLock()
	e, ok := c.entries[id]
	fresh := ok && c.fresh(e)
	var value any
	if fresh {
		value = e.value
	}
	c.mu.RUnlock()

	if fresh {
		c.hits.Add(1)
		return value, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(id, func() (any, error) {
		c.mu.RLock()
		version := c.version
		c.mu.RUnlock()

		c.fetches.Add(1)
		v, err := fetch(ctx)
		if err != nil {
			c.fetchErrors.Add(1)
			return nil, err
		}

		c.mu.Lock()
		c.entries[id] = &entry{
			key:       append(Key(nil), key...),
			value:     v,
			fetchedAt: c.now(),
			// An invalidation that raced the fetch leaves the result stale.
			stale: version != c.version,
		}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// Peek returns the cached value without fetching, and whether it is fresh.
func (c *Cache) Peek(key Key) (any, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key.String()]
	if !ok {
		return nil, false, false
	}
	return e.value, true, c.fresh(e)
}

// Invalidate marks every entry whose key starts with prefix stale and
// returns how many were affected.
func (c *Cache) Invalidate(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	n := 0
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) && !e.stale {
			e.stale = true
			n++
		}
	}
	c.invalidations.Add(1)

	c.logger.Debug("invalidated queries", "prefix", strings.Join(prefix, "/"), "count", n)
	return n
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	c.entries = make(map[string]*entry)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fetches:       c.fetches.Load(),
		FetchErrors:   c.fetchErrors.Load(),
		Invalidations: c.invalidations.Load(),
		Entries:       n,
	}
}

func (c *Cache) fresh(e *entry) bool {
	if e.stale {
		return false
	}
	if c.ttl > 0 && c.now().Sub(e.fetchedAt) >= c.ttl {
		return false
	}
	return true
}

// Typed wraps Get for a concrete result type.
func Typed[T any](ctx context.Context, c *Cache, key Key, fetch func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.Get(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

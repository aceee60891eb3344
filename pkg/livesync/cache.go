package livesync

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache defaults.
const (
	DefaultTTL        = 30 * time.Minute
	DefaultMaxEntries = 5000
)

// Cache remembers which message keys were already applied. Entries expire
// after the TTL; when the cache outgrows MaxEntries the oldest half is
// dropped. Values are the last-seen time in unix millis.
type Cache struct {
	items   *gocache.Cache
	evictMu sync.Mutex

	ttl        time.Duration
	maxEntries int
	snapshots  Snapshotter
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL sets how long a key stays processed. Zero or less never expires.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMaxEntries caps the number of keys kept.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) { c.maxEntries = n }
}

// WithSnapshotter persists the cache across restarts through s.
func WithSnapshotter(s Snapshotter) CacheOption {
	return func(c *Cache) { c.snapshots = s }
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl > 0 {
		c.items = gocache.New(c.ttl, c.ttl)
	} else {
		c.items = gocache.New(gocache.NoExpiration, 0)
	}
	return c
}

// MarkProcessed records keys as applied now.
func (c *Cache) MarkProcessed(keys ...string) {
	ts := time.Now().UnixMilli()
	for _, k := range keys {
		c.items.Set(k, ts, gocache.DefaultExpiration)
	}
	c.enforceCap()
}

// IsProcessed reports whether key was applied within the TTL.
func (c *Cache) IsProcessed(key string) bool {
	_, ok := c.items.Get(key)
	return ok
}

// AnyProcessed reports whether any of keys was applied within the TTL.
func (c *Cache) AnyProcessed(keys ...string) bool {
	for _, k := range keys {
		if _, ok := c.items.Get(k); ok {
			return true
		}
	}
	return false
}

// Prune drops expired keys and returns how many were removed.
func (c *Cache) Prune() int {
	before := c.items.ItemCount()
	c.items.DeleteExpired()
	if removed := before - c.items.ItemCount(); removed > 0 {
		return removed
	}
	return 0
}

// Len returns the number of keys held, including expired keys the janitor
// has not collected yet.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// enforceCap keeps the newest half once the cache outgrows maxEntries.
func (c *Cache) enforceCap() {
	if c.maxEntries <= 0 || c.items.ItemCount() <= c.maxEntries {
		return
	}
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	items := c.items.Items()
	if len(items) <= c.maxEntries {
		return
	}
	type entry struct {
		key  string
		seen int64
	}
	all := make([]entry, 0, len(items))
	for k, it := range items {
		seen, _ := it.Object.(int64)
		all = append(all, entry{k, seen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seen < all[j].seen })
	for _, e := range all[:len(all)/2] {
		c.items.Delete(e.key)
	}
}

// Load merges the persisted snapshot into the cache, skipping expired
// entries. Without a snapshotter it is a no-op.
func (c *Cache) Load(ctx context.Context) error {
	if c.snapshots == nil {
		return nil
	}
	saved, err := c.snapshots.Load(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for k, ts := range saved {
		remaining := gocache.NoExpiration
		if c.ttl > 0 {
			remaining = c.ttl - now.Sub(time.UnixMilli(ts))
			if remaining <= 0 {
				continue
			}
		}
		if cur, ok := c.items.Get(k); ok {
			if seen, _ := cur.(int64); seen >= ts {
				continue
			}
		}
		c.items.Set(k, ts, remaining)
	}
	c.enforceCap()
	return nil
}

// Flush prunes and persists the cache.
func (c *Cache) Flush(ctx context.Context) error {
	if c.snapshots == nil {
		return nil
	}
	c.items.DeleteExpired()

	items := c.items.Items()
	out := make(map[string]int64, len(items))
	for k, it := range items {
		if seen, ok := it.Object.(int64); ok {
			out[k] = seen
		}
	}
	return c.snapshots.Save(ctx, out)
}

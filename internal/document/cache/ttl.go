package cache

import (
	"context"
	"sync"
	"time"

	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/pkg/logger"
	"github.com/gogotex/docstore/pkg/metrics"
)

type ttlEntry struct {
	doc       document.Doc
	cachedAt  time.Time
	expiresAt time.Time
}

// TTLCache is the in-process DocCache: a map guarded by a RWMutex with
// per-entry expiry. Expired entries are dropped on read and by RunJanitor.
type TTLCache struct {
	mu    sync.RWMutex
	items map[string]ttlEntry
	now   Clock
}

// NewTTLCache creates an empty cache. A nil clock uses time.Now.
func NewTTLCache(now Clock) *TTLCache {
	if now == nil {
		now = time.Now
	}
	return &TTLCache{items: make(map[string]ttlEntry), now: now}
}

func (c *TTLCache) Get(ctx context.Context, key string, maxAge time.Duration) (document.Doc, bool, error) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok && !now.Before(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && !now.Before(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		ok = false
	}
	if !ok || now.Sub(e.cachedAt) > maxAge {
		metrics.CacheLookups.WithLabelValues("memory", "miss").Inc()
		return nil, false, nil
	}
	metrics.CacheLookups.WithLabelValues("memory", "hit").Inc()
	return e.doc.Clone(), true, nil
}

func (c *TTLCache) Set(ctx context.Context, key string, doc document.Doc, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	c.mu.Lock()
	c.items[key] = ttlEntry{doc: doc.Clone(), cachedAt: now, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *TTLCache) Evict(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *TTLCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// RunJanitor sweeps every interval until ctx is done.
func (c *TTLCache) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				logger.With("cache", "memory", "dropped", n).Debugf("swept expired entries")
			}
		}
	}
}

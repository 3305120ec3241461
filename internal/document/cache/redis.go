package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gogotex/docstore/internal/document"
	"github.com/gogotex/docstore/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "docstore:cache:"

type redisEntry struct {
	CachedAt int64           `json:"cachedAt"`
	Doc      json.RawMessage `json:"doc"`
}

// RedisCache is a DocCache shared between server instances. Redis expires
// entries after their ttl; the age check against maxAge happens on read.
type RedisCache struct {
	client *redis.Client
	prefix string
	now    Clock
}

// NewRedisCache creates a cache over client. An empty prefix uses
// "docstore:cache:" and a nil clock uses time.Now.
func NewRedisCache(client *redis.Client, prefix string, now Clock) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &RedisCache{client: client, prefix: prefix, now: now}
}

func (r *RedisCache) Get(ctx context.Context, key string, maxAge time.Duration) (document.Doc, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheLookups.WithLabelValues("redis", "miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("redis cache decode: %w", err)
	}
	if r.now().Sub(time.UnixMilli(e.CachedAt)) > maxAge {
		metrics.CacheLookups.WithLabelValues("redis", "miss").Inc()
		return nil, false, nil
	}
	doc, err := document.DecodeJSON(e.Doc)
	if err != nil {
		return nil, false, err
	}
	metrics.CacheLookups.WithLabelValues("redis", "hit").Inc()
	return document.NormalizeDoc(doc), true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, doc document.Doc, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}
	raw, err := json.Marshal(redisEntry{CachedAt: r.now().UnixMilli(), Doc: body})
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (r *RedisCache) Evict(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis cache evict: %w", err)
	}
	return nil
}

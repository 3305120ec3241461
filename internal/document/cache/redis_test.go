package cache

import (
	"context"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/gogotex/docstore/internal/document"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T, clock Clock) (*RedisCache, *mr.Miniredis) {
	t.Helper()
	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, "test:cache:", clock), m
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, m := newTestRedisCache(t, nil)

	doc := document.Doc{
		"id":                               "01",
		"heightInCms":                      int64(210),
		"docOpIds":                         []string{"op1"},
		"docCreatedMillisecondsSinceEpoch": int64(1700000000000),
	}
	require.NoError(t, c.Set(ctx, Key("tree", "", "01"), doc, time.Minute))
	require.True(t, m.Exists("test:cache:"+Key("tree", "", "01")))

	got, ok, err := c.Get(ctx, Key("tree", "", "01"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, doc, got)
}

func TestRedisCacheMissAndEvict(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedisCache(t, nil)

	_, ok, err := c.Get(ctx, "absent", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", document.Doc{"id": "1"}, time.Minute))
	require.NoError(t, c.Evict(ctx, "k"))
	_, ok, err = c.Get(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c, m := newTestRedisCache(t, nil)
	require.NoError(t, c.Set(ctx, "k", document.Doc{"id": "1"}, 2*time.Second))

	m.FastForward(3 * time.Second)
	_, ok, err := c.Get(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCacheMaxAge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, _ := newTestRedisCache(t, clock.Now)
	require.NoError(t, c.Set(ctx, "k", document.Doc{"id": "1"}, time.Hour))

	clock.Advance(30 * time.Second)
	_, ok, err := c.Get(ctx, "k", 10*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = c.Get(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisCacheSurfacesConnectionErrors(t *testing.T) {
	c, m := newTestRedisCache(t, nil)
	m.Close()
	_, _, err := c.Get(context.Background(), "k", time.Minute)
	require.Error(t, err)
}

package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gogotex/docstore/internal/document"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestKeySeparatesPartitions(t *testing.T) {
	require.NotEqual(t, Key("tree", "a/b", "c"), Key("tree", "a", "b/c"))
	require.Equal(t, Key("tree", "", "01"), Key("tree", "", "01"))
}

func TestTTLCacheGetSet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewTTLCache(clock.Now)

	doc := document.Doc{"id": "01", "name": "ash"}
	require.NoError(t, c.Set(ctx, "k", doc, time.Minute))

	got, ok, err := c.Get(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, doc, got)

	// callers cannot mutate the cached copy
	got["name"] = "oak"
	again, _, _ := c.Get(ctx, "k", time.Minute)
	require.Equal(t, "ash", again["name"])
}

func TestTTLCacheRespectsMaxAge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewTTLCache(clock.Now)
	require.NoError(t, c.Set(ctx, "k", document.Doc{"id": "01"}, time.Hour))

	clock.Advance(10 * time.Second)
	_, ok, err := c.Get(ctx, "k", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = c.Get(ctx, "k", 20*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTTLCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewTTLCache(clock.Now)
	require.NoError(t, c.Set(ctx, "k", document.Doc{"id": "01"}, time.Second))

	clock.Advance(2 * time.Second)
	_, ok, err := c.Get(ctx, "k", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestTTLCacheZeroTTLIsNotStored(t *testing.T) {
	c := NewTTLCache(nil)
	require.NoError(t, c.Set(context.Background(), "k", document.Doc{"id": "01"}, 0))
	require.Equal(t, 0, c.Len())
}

func TestTTLCacheEvictAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewTTLCache(clock.Now)
	require.NoError(t, c.Set(ctx, "short", document.Doc{"id": "1"}, time.Second))
	require.NoError(t, c.Set(ctx, "long", document.Doc{"id": "2"}, time.Hour))
	require.NoError(t, c.Set(ctx, "gone", document.Doc{"id": "3"}, time.Hour))

	require.NoError(t, c.Evict(ctx, "gone"))
	require.Equal(t, 2, c.Len())

	clock.Advance(time.Minute)
	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 1, c.Len())
}

func TestTTLCacheJanitorStopsWithContext(t *testing.T) {
	clock := newFakeClock()
	c := NewTTLCache(clock.Now)
	require.NoError(t, c.Set(context.Background(), "k", document.Doc{"id": "1"}, time.Second))
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestTTLCacheConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewTTLCache(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key("tree", "", string(rune('a'+i%4)))
			for j := 0; j < 100; j++ {
				_ = c.Set(ctx, key, document.Doc{"id": key, "n": int64(j)}, time.Minute)
				_, _, _ = c.Get(ctx, key, time.Minute)
				if j%10 == 0 {
					_ = c.Evict(ctx, key)
				}
			}
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 4)
}

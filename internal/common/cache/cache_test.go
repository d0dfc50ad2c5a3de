package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"benchboard/internal/common/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type entry struct {
	Name string `json:"name"`
}

func newCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func fetchEntry(calls *int, value *entry) func(context.Context) (*entry, error) {
	return func(context.Context) (*entry, error) {
		*calls++
		return value, nil
	}
}

func getEntry(ctx context.Context, c cache.Cache, key string, fn func(context.Context) (*entry, error)) (*entry, error) {
	return cache.ReadThrough(ctx, c, cache.Entry[*entry]{
		Key:     key,
		TTL:     time.Minute,
		MissTTL: 10 * time.Second,
		Codec:   cache.JSONCodec[*entry](),
		Missing: func(e *entry) bool { return e == nil },
	}, fn)
}

func TestReadThroughServesSecondReadFromCache(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	calls := 0
	fn := fetchEntry(&calls, &entry{Name: "a"})

	for i := 0; i < 2; i++ {
		got, err := getEntry(ctx, c, "k", fn)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got == nil || got.Name != "a" {
			t.Fatalf("unexpected value %+v", got)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
}

func TestReadThroughCachesMissMarker(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	calls := 0
	fn := fetchEntry(&calls, nil)

	for i := 0; i < 2; i++ {
		got, err := getEntry(ctx, c, "missing", fn)
		if err != nil || got != nil {
			t.Fatalf("expected nil result, got %+v err=%v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
	if v, _ := mr.Get("missing"); v != cache.MissMarker {
		t.Fatalf("expected null sentinel, got %q", v)
	}
}

func TestReadThroughPropagatesLoadError(t *testing.T) {
	c, mr := newCache(t)
	boom := errors.New("db down")
	_, err := getEntry(context.Background(), c, "k", func(context.Context) (*entry, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if mr.Exists("k") {
		t.Fatalf("error result must not be cached")
	}
}

func TestInvalidateFencesKeyAfterWrite(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	_ = mr.Set("k", "stale")

	if err := cache.Invalidate(ctx, c, "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if v, _ := mr.Get("k"); v != cache.FenceMarker {
		t.Fatalf("expected fence after write, got %q", v)
	}
	mr.FastForward(cache.FenceTTL + time.Second)
	if mr.Exists("k") {
		t.Fatalf("fence must expire")
	}

	_ = mr.Set("k", "kept")
	err := cache.Invalidate(ctx, c, "k", func(context.Context) error { return errors.New("conflict") })
	if err == nil || !mr.Exists("k") {
		t.Fatalf("failed update must keep the cached value")
	}
}

func TestReadThroughDoesNotFillOverFence(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	_ = mr.Set("k", cache.FenceMarker)
	calls := 0
	fn := fetchEntry(&calls, &entry{Name: "fresh"})

	for i := 0; i < 2; i++ {
		got, err := getEntry(ctx, c, "k", fn)
		if err != nil || got == nil || got.Name != "fresh" {
			t.Fatalf("fenced read must load from source, got %+v err=%v", got, err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected every fenced read to load, got %d", calls)
	}
	if v, _ := mr.Get("k"); v != cache.FenceMarker {
		t.Fatalf("fill overwrote the fence: %q", v)
	}

	_ = mr.Set("missing", cache.FenceMarker)
	if got, err := getEntry(ctx, c, "missing", fetchEntry(&calls, nil)); err != nil || got != nil {
		t.Fatalf("expected nil result, got %+v err=%v", got, err)
	}
	if v, _ := mr.Get("missing"); v != cache.FenceMarker {
		t.Fatalf("miss marker overwrote the fence: %q", v)
	}
}

func TestSetNXAndIncr(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "idem", "s-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}
	ok, _ = c.SetNX(ctx, "idem", "s-2", time.Minute)
	if ok {
		t.Fatalf("second setnx must fail")
	}
	if v, _ := c.Get(ctx, "idem"); v != "s-1" {
		t.Fatalf("unexpected value %q", v)
	}

	for want := int64(1); want <= 3; want++ {
		n, err := c.Incr(ctx, "rate")
		if err != nil || n != want {
			t.Fatalf("incr: n=%d err=%v", n, err)
		}
	}
	if v, err := c.Get(ctx, "absent"); err != nil || v != "" {
		t.Fatalf("missing key should read empty, got %q err=%v", v, err)
	}
}

func TestJitterTTLStaysWithinTenPercent(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := cache.JitterTTL(time.Minute)
		if got > time.Minute || got < 54*time.Second {
			t.Fatalf("jitter out of range: %s", got)
		}
	}
	if cache.JitterTTL(0) != 0 {
		t.Fatalf("zero ttl must stay zero")
	}
}

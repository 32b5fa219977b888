package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chimerakang/acctlink-go/cache"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *cache.Redis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedis(rdb, "acctlink")
	t.Cleanup(func() {
		_ = c.Close()
		mr.Close()
	})
	return mr, c
}

func TestRedis_SetGet(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "management-token"); ok || err != nil {
		t.Fatalf("Get() on empty = %v, %v; want miss, nil", ok, err)
	}
	if err := c.Set(ctx, "management-token", "tok", time.Hour); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	v, ok, err := c.Get(ctx, "management-token")
	if err != nil || !ok || v != "tok" {
		t.Errorf("Get() = %q, %v, %v; want tok, true, nil", v, ok, err)
	}
	if !mr.Exists("acctlink:management-token") {
		t.Error("expected prefixed key in redis")
	}
	if ttl := mr.TTL("acctlink:management-token"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
}

func TestRedis_Expiry(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()

	_ = c.Set(ctx, "management-token", "tok", time.Minute)
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "management-token"); ok {
		t.Error("expired entry still returned")
	}
}

func TestRedis_ZeroTTLPersists(t *testing.T) {
	mr, c := newTestRedis(t)
	ctx := context.Background()

	_ = c.Set(ctx, "key-kid1", "pem", 0)
	if ttl := mr.TTL("acctlink:key-kid1"); ttl != 0 {
		t.Errorf("TTL = %v, want none", ttl)
	}
}

func TestRedis_GetErrorOnClosedServer(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	c := cache.NewRedis(rdb, "")
	defer c.Close()
	mr.Close()

	if _, _, err := c.Get(context.Background(), "k"); err == nil {
		t.Error("expected error from unreachable server")
	}
}

package cache

import (
	"context"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/jellydator/ttlcache/v3"
)

// Memory is a process-local Cache backed by ttlcache.
type Memory struct {
	cache *ttlcache.Cache[string, string]
}

// compile-time check
var _ acctlink.Cache = (*Memory)(nil)

// NewMemory creates an in-memory cache with automatic cleanup of expired
// entries. Call Close to stop the cleanup goroutine.
func NewMemory() *Memory {
	c := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, string](),
	)

	go c.Start()

	return &Memory{cache: c}
}

// Get implements acctlink.Cache.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	item := m.cache.Get(key)
	if item == nil {
		return "", false, nil
	}
	return item.Value(), true, nil
}

// Set implements acctlink.Cache. A zero ttl never expires.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	m.cache.Set(key, value, ttl)
	return nil
}

// Len returns the number of entries, expired ones included until cleanup.
func (m *Memory) Len() int {
	return m.cache.Len()
}

// Close stops the cleanup goroutine.
func (m *Memory) Close() error {
	m.cache.Stop()
	return nil
}

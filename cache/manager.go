// Package cache implements the get-or-refresh pattern used for machine
// credentials and signing keys, and the substrates it runs on.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/metrics"
	"golang.org/x/sync/singleflight"
)

// Cache types used as metric labels.
const (
	TypeCredential = "credential"
	TypeSigningKey = "signing_key"
	TypeOther      = "other"
)

// RefreshFunc produces a fresh value and how long it may be cached.
// A ttl of zero caches without expiry; a negative ttl is not cached at all.
type RefreshFunc func(ctx context.Context) (value string, ttl time.Duration, err error)

// DefaultRefreshTimeout bounds a shared refresh once it no longer follows
// any single caller's context.
const DefaultRefreshTimeout = 10 * time.Second

// Manager reads through a Cache, refreshing on miss.
type Manager struct {
	store          acctlink.Cache
	logger         *slog.Logger
	metrics        *metrics.Metrics
	refreshTimeout time.Duration

	sf singleflight.Group
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRefreshTimeout bounds each refresh. Default: DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.refreshTimeout = d }
}

// NewManager creates a Manager over store.
func NewManager(store acctlink.Cache, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		logger:         slog.Default(),
		metrics:        metrics.New(false),
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetOrRefresh returns the cached value for key. On a miss it calls refresh,
// stores the result and returns it. A refresh error is returned and nothing
// is cached. Concurrent misses for the same key share one refresh, which
// keeps running when the caller that started it gives up.
func (m *Manager) GetOrRefresh(ctx context.Context, key string, refresh RefreshFunc) (string, error) {
	kind := typeOf(key)

	value, ok, err := m.store.Get(ctx, key)
	if err != nil {
		// A broken substrate degrades to a miss.
		m.logger.WarnContext(ctx, "cache get failed", "key", key, "error", err)
	}
	if ok {
		m.metrics.RecordCacheHit(kind)
		return value, nil
	}
	m.metrics.RecordCacheMiss(kind)
	m.logger.DebugContext(ctx, "cache miss", "key", key)

	// The shared refresh outlives the cancellation of any one caller.
	ch := m.sf.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()

		v, ttl, err := refresh(rctx)
		if err != nil {
			return nil, err
		}
		if ttl < 0 {
			return v, nil
		}
		if err := m.store.Set(rctx, key, v, ttl); err != nil {
			m.logger.WarnContext(ctx, "failed to store refreshed value in cache", "key", key, "error", err)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("acctlink/cache: refresh %q: %w", key, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			m.metrics.RecordCacheRefreshFailure(kind)
			return "", fmt.Errorf("acctlink/cache: refresh %q: %w", key, res.Err)
		}
		return res.Val.(string), nil
	}
}

func typeOf(key string) string {
	switch {
	case key == acctlink.ManagementTokenCacheKey:
		return TypeCredential
	case strings.HasPrefix(key, acctlink.SigningKeyCacheKeyPrefix):
		return TypeSigningKey
	default:
		return TypeOther
	}
}

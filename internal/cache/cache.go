// Package cache memoizes derived query results for a bounded lifetime.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pulseboard/pulse/internal/metrics"
)

const (
	DefaultTTL            = 60 * time.Second
	DefaultComputeTimeout = 15 * time.Second
)

// Backend stores encoded entries with an expiry.
type Backend interface {
	// Get returns the value and its remaining lifetime. ok is false on a miss.
	Get(ctx context.Context, key string) (value []byte, ttl time.Duration, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Name() string
	Close() error
}

// Meta describes how a result was served.
type Meta struct {
	Hit bool
	TTL time.Duration
}

// Config tunes a Cache.
type Config struct {
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	ComputeTimeout time.Duration `yaml:"compute_timeout" json:"compute_timeout"`
}

// Cache is a typed read-through cache with single-flight computation per key.
type Cache[T any] struct {
	backend Backend
	prefix  string
	cfg     Config
	group   singleflight.Group
	logger  *zap.Logger
}

// New creates a cache over backend. Keys are namespaced by prefix.
func New[T any](backend Backend, prefix string, cfg Config, logger *zap.Logger) *Cache[T] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = DefaultComputeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[T]{backend: backend, prefix: prefix, cfg: cfg, logger: logger}
}

// GetOrCompute returns the cached value for key, or runs compute and stores
// its result. Concurrent misses for the same key share one computation. The
// computation is detached from the caller's cancellation and bounded by the
// compute timeout; each caller stops waiting when its own ctx is done. Failed
// computations are never cached.
func (c *Cache[T]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (T, error)) (T, Meta, error) {
	var zero T
	key = c.prefix + key

	if v, ttl, ok := c.lookup(ctx, key); ok {
		metrics.CacheHits.WithLabelValues(c.backend.Name()).Inc()
		return v, Meta{Hit: true, TTL: ttl}, nil
	}
	metrics.CacheMisses.WithLabelValues(c.backend.Name()).Inc()

	ch := c.group.DoChan(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ComputeTimeout)
		defer cancel()

		// A flight that finished between our lookup and now may have
		// already stored the value.
		if v, ttl, ok := c.lookup(cctx, key); ok {
			return flight[T]{val: v, meta: Meta{Hit: true, TTL: ttl}}, nil
		}

		metrics.CacheComputations.Inc()
		v, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		c.store(cctx, key, v)
		return flight[T]{val: v, meta: Meta{TTL: c.cfg.TTL}}, nil
	})

	select {
	case <-ctx.Done():
		return zero, Meta{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, Meta{}, res.Err
		}
		f := res.Val.(flight[T])
		return f.val, f.meta, nil
	}
}

type flight[T any] struct {
	val  T
	meta Meta
}

// TTL returns the lifetime of new entries.
func (c *Cache[T]) TTL() time.Duration {
	return c.cfg.TTL
}

func (c *Cache[T]) lookup(ctx context.Context, key string) (T, time.Duration, bool) {
	var v T
	raw, ttl, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		metrics.CacheErrors.WithLabelValues(c.backend.Name(), "get").Inc()
		c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return v, 0, false
	}
	if !ok {
		return v, 0, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		metrics.CacheErrors.WithLabelValues(c.backend.Name(), "decode").Inc()
		c.logger.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		return v, 0, false
	}
	return v, ttl, true
}

func (c *Cache[T]) store(ctx context.Context, key string, v T) {
	raw, err := json.Marshal(v)
	if err != nil {
		metrics.CacheErrors.WithLabelValues(c.backend.Name(), "encode").Inc()
		c.logger.Warn("cache entry unencodable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.backend.Set(ctx, key, raw, c.cfg.TTL); err != nil {
		metrics.CacheErrors.WithLabelValues(c.backend.Name(), "set").Inc()
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
)

const (
	defaultShards          = 16
	defaultMaxShardEntries = 4096
)

// MemoryStats holds backend statistics.
type MemoryStats struct {
	Entries   atomic.Int64
	Evictions atomic.Int64
}

// MemoryBackend is an in-process Backend. Keys are spread over shards by
// murmur3 hash so unrelated keys do not contend on one lock.
type MemoryBackend struct {
	shards   []*shard
	maxItems int
	now      func() time.Time
	stats    MemoryStats
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time
}

// MemoryOption customizes a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithShards sets the shard count.
func WithShards(n int) MemoryOption {
	return func(m *MemoryBackend) {
		if n > 0 {
			m.shards = make([]*shard, n)
		}
	}
}

// WithMaxShardEntries bounds the entries held per shard.
func WithMaxShardEntries(n int) MemoryOption {
	return func(m *MemoryBackend) {
		if n > 0 {
			m.maxItems = n
		}
	}
}

// WithMemoryClock sets the clock used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		shards:   make([]*shard, defaultShards),
		maxItems: defaultMaxShardEntries,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]memEntry)}
	}
	return m
}

func (m *MemoryBackend) shardFor(key string) *shard {
	return m.shards[murmur3.Sum32([]byte(key))%uint32(len(m.shards))]
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, false, nil
	}
	remaining := e.expires.Sub(m.now())
	if remaining <= 0 {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && !cur.expires.After(m.now()) {
			delete(s.entries, key)
			m.stats.Entries.Add(-1)
		}
		s.mu.Unlock()
		return nil, 0, false, nil
	}
	return e.value, remaining, true, nil
}

// Set implements Backend.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: ttl must be positive, got %s", ttl)
	}
	now := m.now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists {
		if len(s.entries) >= m.maxItems {
			m.evict(s, now)
		}
		m.stats.Entries.Add(1)
	}
	s.entries[key] = memEntry{value: value, expires: now.Add(ttl)}
	return nil
}

// evict drops expired entries, or failing that the entry closest to expiry.
// Caller holds s.mu.
func (m *MemoryBackend) evict(s *shard, now time.Time) {
	var (
		victim  string
		soonest time.Time
	)
	removed := 0
	for k, e := range s.entries {
		if !e.expires.After(now) {
			delete(s.entries, k)
			removed++
			continue
		}
		if victim == "" || e.expires.Before(soonest) {
			victim, soonest = k, e.expires
		}
	}
	if removed == 0 && victim != "" {
		delete(s.entries, victim)
		removed = 1
	}
	m.stats.Entries.Add(int64(-removed))
	m.stats.Evictions.Add(int64(removed))
}

// Len returns the number of stored entries, expired ones included until swept.
func (m *MemoryBackend) Len() int {
	return int(m.stats.Entries.Load())
}

// Evictions returns the number of entries removed to make room.
func (m *MemoryBackend) Evictions() int64 {
	return m.stats.Evictions.Load()
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

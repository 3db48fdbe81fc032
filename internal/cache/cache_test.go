package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type result struct {
	Value float64 `json:"value"`
	Label string  `json:"label"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGetOrCompute_MissThenHit(t *testing.T) {
	c := New[result](NewMemoryBackend(), "test|", Config{TTL: time.Minute}, nil)
	ctx := context.Background()
	calls := 0
	compute := func(context.Context) (result, error) {
		calls++
		return result{Value: 42, Label: "answer"}, nil
	}

	v, meta, err := c.GetOrCompute(ctx, "k", compute)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Hit || meta.TTL != time.Minute || v.Value != 42 {
		t.Errorf("first call: v=%+v meta=%+v", v, meta)
	}

	v, meta, err = c.GetOrCompute(ctx, "k", compute)
	if err != nil {
		t.Fatal(err)
	}
	if !meta.Hit || meta.TTL <= 0 || meta.TTL > time.Minute || v.Label != "answer" {
		t.Errorf("second call: v=%+v meta=%+v", v, meta)
	}
	if calls != 1 {
		t.Errorf("expected 1 computation, got %d", calls)
	}
}

// lateFillBackend misses on the first Get and stores an entry as a side
// effect, as if a concurrent flight had completed just after the miss.
type lateFillBackend struct {
	*MemoryBackend
	gets atomic.Int32
	fill []byte
}

func (b *lateFillBackend) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	if b.gets.Add(1) == 1 {
		if err := b.MemoryBackend.Set(ctx, key, b.fill, time.Minute); err != nil {
			return nil, 0, false, err
		}
		return nil, 0, false, nil
	}
	return b.MemoryBackend.Get(ctx, key)
}

func TestGetOrCompute_RechecksBeforeComputing(t *testing.T) {
	backend := &lateFillBackend{MemoryBackend: NewMemoryBackend(), fill: []byte(`{"value":7,"label":"filled"}`)}
	c := New[result](backend, "", Config{TTL: time.Minute}, nil)

	var calls atomic.Int32
	v, meta, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (result, error) {
		calls.Add(1)
		return result{Value: 1}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Errorf("compute ran %d times after the entry appeared", calls.Load())
	}
	if v.Label != "filled" || !meta.Hit || meta.TTL <= 0 {
		t.Errorf("v=%+v meta=%+v, want filled entry served as a hit", v, meta)
	}
}

func TestGetOrCompute_FailureNotCached(t *testing.T) {
	backend := NewMemoryBackend()
	c := New[result](backend, "", Config{}, nil)
	boom := errors.New("boom")

	_, _, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (result, error) {
		return result{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}
	if backend.Len() != 0 {
		t.Fatalf("failed computation left %d entries", backend.Len())
	}

	v, meta, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (result, error) {
		return result{Value: 1}, nil
	})
	if err != nil || meta.Hit || v.Value != 1 {
		t.Errorf("retry after failure: v=%+v meta=%+v err=%v", v, meta, err)
	}
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	c := New[result](NewMemoryBackend(), "", Config{}, nil)
	const callers = 32

	var computations atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (result, error) {
		computations.Add(1)
		<-release
		return result{Value: 7}, nil
	}

	var wg sync.WaitGroup
	results := make([]result, callers)
	errs := make([]error, callers)
	started := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), "same", compute)
		}(i)
	}
	for i := 0; i < callers; i++ {
		<-started
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := computations.Load(); n != 1 {
		t.Errorf("expected exactly 1 computation, got %d", n)
	}
	for i := range results {
		if errs[i] != nil || results[i].Value != 7 {
			t.Errorf("caller %d: %+v %v", i, results[i], errs[i])
		}
	}
}

func TestGetOrCompute_CallerCancelDoesNotAbortComputation(t *testing.T) {
	backend := NewMemoryBackend()
	c := New[result](backend, "", Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	release := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := c.GetOrCompute(ctx, "k", func(cctx context.Context) (result, error) {
			<-release
			if cctx.Err() != nil {
				return result{}, cctx.Err()
			}
			return result{Value: 3}, nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected caller to see cancellation, got %v", err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for backend.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	v, meta, err := c.GetOrCompute(context.Background(), "k", func(context.Context) (result, error) {
		return result{}, errors.New("should not recompute")
	})
	if err != nil || !meta.Hit || v.Value != 3 {
		t.Errorf("detached computation did not populate cache: v=%+v meta=%+v err=%v", v, meta, err)
	}
}

func TestGetOrCompute_ComputeTimeout(t *testing.T) {
	c := New[result](NewMemoryBackend(), "", Config{ComputeTimeout: 20 * time.Millisecond}, nil)
	_, _, err := c.GetOrCompute(context.Background(), "slow", func(ctx context.Context) (result, error) {
		<-ctx.Done()
		return result{}, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestGetOrCompute_KeysArePrefixed(t *testing.T) {
	backend := NewMemoryBackend()
	a := New[result](backend, "a|", Config{}, nil)
	b := New[result](backend, "b|", Config{}, nil)
	ctx := context.Background()

	a.GetOrCompute(ctx, "k", func(context.Context) (result, error) { return result{Label: "a"}, nil })
	v, meta, _ := b.GetOrCompute(ctx, "k", func(context.Context) (result, error) { return result{Label: "b"}, nil })
	if meta.Hit || v.Label != "b" {
		t.Errorf("prefixes should isolate caches, got %+v %+v", v, meta)
	}
}

func TestMemoryBackend_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryBackend(WithMemoryClock(clock.Now))
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	clock.Advance(4 * time.Second)
	_, ttl, ok, _ := m.Get(ctx, "k")
	if !ok || ttl != 6*time.Second {
		t.Errorf("expected hit with 6s left, got ok=%v ttl=%s", ok, ttl)
	}
	clock.Advance(6 * time.Second)
	if _, _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expected entry to expire")
	}
	if m.Len() != 0 {
		t.Errorf("expired entry not removed, len=%d", m.Len())
	}
	if err := m.Set(ctx, "k", []byte("v"), 0); err == nil {
		t.Error("expected error for non-positive ttl")
	}
}

func TestMemoryBackend_BoundedShards(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryBackend(WithShards(1), WithMaxShardEntries(3), WithMemoryClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Duration(i+1)*time.Minute)
	}
	m.Set(ctx, "k3", []byte("v"), time.Hour)

	if m.Len() != 3 || m.Evictions() != 1 {
		t.Fatalf("len=%d evictions=%d", m.Len(), m.Evictions())
	}
	if _, _, ok, _ := m.Get(ctx, "k0"); ok {
		t.Error("entry closest to expiry should have been evicted")
	}
	if _, _, ok, _ := m.Get(ctx, "k3"); !ok {
		t.Error("new entry missing")
	}
}

func TestMemoryBackend_ShardsSpreadKeys(t *testing.T) {
	m := NewMemoryBackend(WithShards(8))
	used := make(map[*shard]bool)
	for i := 0; i < 200; i++ {
		used[m.shardFor(fmt.Sprintf("overview|org-%d|7d", i))] = true
	}
	if len(used) < 6 {
		t.Errorf("keys landed on only %d of 8 shards", len(used))
	}
}

// TestRedisBackend runs against a real server when PULSE_TEST_REDIS_URL is set.
func TestRedisBackend(t *testing.T) {
	url := os.Getenv("PULSE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PULSE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	r, err := NewRedisBackend(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	key := fmt.Sprintf("pulse-test|%d", time.Now().UnixNano())
	if _, _, ok, err := r.Get(ctx, key); ok || err != nil {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	c := New[result](r, "", Config{TTL: 30 * time.Second}, nil)
	if _, _, err := c.GetOrCompute(ctx, key, func(context.Context) (result, error) {
		return result{Value: 9}, nil
	}); err != nil {
		t.Fatal(err)
	}
	v, meta, err := c.GetOrCompute(ctx, key, func(context.Context) (result, error) {
		return result{}, errors.New("should not recompute")
	})
	if err != nil || !meta.Hit || v.Value != 9 || meta.TTL > 30*time.Second {
		t.Errorf("v=%+v meta=%+v err=%v", v, meta, err)
	}
}

func TestRedisBackend_BadURL(t *testing.T) {
	if _, err := NewRedisBackend(context.Background(), "not-a-url"); err == nil {
		t.Error("expected parse error")
	}
}

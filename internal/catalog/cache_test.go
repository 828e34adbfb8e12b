package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/storefront/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
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

// countingFetch returns pages named name-1, name-2, ... on each call.
func countingFetch(name string, calls *atomic.Int32) FetchFunc {
	return func(context.Context) (Page, error) {
		n := calls.Add(1)
		return Page{Products: []Product{{
			ID:    name,
			Name:  name + "-" + string(rune('0'+n)),
			Price: decimal.NewFromInt(int64(n)),
		}}}, nil
	}
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttls    map[string]time.Duration
	deleted []string
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]Entry{}, ttls: map[string]time.Duration{}}
}

func (s *memStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *memStore) Set(_ context.Context, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	s.ttls[entry.Key] = ttl
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		category string
		params   url.Values
		want     string
	}{
		{"category only", "Shoes", nil, "shoes"},
		{"params sorted", "shoes", url.Values{"page": {"2"}, "limit": {"20"}}, "shoes?limit=20&page=2"},
		{"empty values dropped", "shoes", url.Values{"sort": {""}, "page": {"1"}}, "shoes?page=1"},
		{"trimmed", "  Bags ", url.Values{}, "bags"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Key(tt.category, tt.params))
		})
	}
}

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		name      string
		in        url.Values
		wantLimit string
		wantPage  string
	}{
		{"defaults", url.Values{}, "20", "1"},
		{"limit clamped high", url.Values{"limit": {"500"}}, "50", "1"},
		{"limit clamped low", url.Values{"limit": {"0"}}, "1", "1"},
		{"page clamped", url.Values{"page": {"-3"}}, "20", "1"},
		{"garbage ignored", url.Values{"limit": {"abc"}, "page": {"x"}}, "20", "1"},
		{"valid kept", url.Values{"limit": {"30"}, "page": {"4"}}, "30", "4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := SanitizeQuery(tt.in)
			assert.Equal(t, tt.wantLimit, out.Get("limit"))
			assert.Equal(t, tt.wantPage, out.Get("page"))
		})
	}

	t.Run("input not mutated", func(t *testing.T) {
		in := url.Values{"limit": {"500"}}
		SanitizeQuery(in)
		assert.Equal(t, "500", in.Get("limit"))
	})
}

func TestCacheFreshHit(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(Config{MaxAge: time.Minute}, WithClock(clock.Now))
	var calls atomic.Int32
	fetch := countingFetch("p", &calls)

	first, err := c.Get(context.Background(), "shoes", fetch)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	second, err := c.Get(context.Background(), "shoes", fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first, second)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestCacheStaleWhileRevalidate(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(Config{MaxAge: time.Minute, StaleWhileRevalidate: true}, WithClock(clock.Now))
	var calls atomic.Int32
	fetch := countingFetch("p", &calls)

	first, err := c.Get(context.Background(), "shoes", fetch)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	stale, err := c.Get(context.Background(), "shoes", fetch)
	require.NoError(t, err)
	assert.Equal(t, first, stale, "stale entry is served immediately")

	c.Wait()
	assert.Equal(t, int32(2), calls.Load())

	fresh, err := c.Get(context.Background(), "shoes", fetch)
	require.NoError(t, err)
	assert.Equal(t, "p-2", fresh.Products[0].Name)
	assert.Equal(t, int64(1), c.Stats().Stale)
}

func TestCacheStaleWithoutRevalidateRefetches(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(Config{MaxAge: time.Minute}, WithClock(clock.Now))
	var calls atomic.Int32
	fetch := countingFetch("p", &calls)

	_, err := c.Get(context.Background(), "shoes", fetch)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	page, err := c.Get(context.Background(), "shoes", fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "p-2", page.Products[0].Name)
}

func TestCacheSharesConcurrentFetches(t *testing.T) {
	c := NewCache(Config{MaxAge: time.Minute})
	key := Key("shoes", SanitizeQuery(url.Values{"page": {"1"}}))

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (Page, error) {
		calls.Add(1)
		<-release
		return Page{Products: []Product{{ID: "a", Name: "A"}}}, nil
	}

	var wg sync.WaitGroup
	results := make([]Page, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), key, fetch)
		}()
	}

	require.Eventually(t, func() bool { return c.waiters(key) == 2 && calls.Load() == 1 }, time.Second, time.Millisecond)
	// let the second caller reach the shared call
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range 2 {
		require.NoError(t, errs[i])
		assert.Equal(t, "A", results[i].Products[0].Name)
	}
	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Misses+stats.Shared)
	assert.Equal(t, 1, c.Len())
}

func TestCacheSharedFetchSurvivesCallerCancel(t *testing.T) {
	c := NewCache(Config{MaxAge: time.Minute})
	release := make(chan struct{})
	fetchCtxErr := make(chan error, 1)
	fetch := func(ctx context.Context) (Page, error) {
		<-release
		fetchCtxErr <- ctx.Err()
		return Page{Products: []Product{{ID: "a"}}}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "shoes", fetch)
		done <- err
	}()
	require.Eventually(t, func() bool { return c.waiters("shoes") == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.NoError(t, <-fetchCtxErr)
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond)
}

func TestCacheDebounce(t *testing.T) {
	t.Run("stale entry served inside window", func(t *testing.T) {
		clock := newFakeClock()
		c := NewCache(Config{MaxAge: time.Minute, DebounceTime: 2 * time.Minute}, WithClock(clock.Now))
		var calls atomic.Int32
		fetch := countingFetch("p", &calls)

		_, err := c.Get(context.Background(), "shoes", fetch)
		require.NoError(t, err)
		clock.Advance(61 * time.Second)
		page, err := c.Get(context.Background(), "shoes", fetch)
		require.NoError(t, err)

		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, "p-1", page.Products[0].Name)
		assert.Equal(t, int64(1), c.Stats().Debounced)
	})

	t.Run("waits out the window when nothing is cached", func(t *testing.T) {
		c := NewCache(Config{MaxAge: time.Minute, DebounceTime: 30 * time.Millisecond})
		var calls atomic.Int32
		fetch := func(context.Context) (Page, error) {
			if calls.Add(1) == 1 {
				return Page{}, errors.New("boom")
			}
			return Page{Products: []Product{{ID: "a"}}}, nil
		}

		_, err := c.Get(context.Background(), "shoes", fetch)
		require.Error(t, err)

		start := time.Now()
		page, err := c.Get(context.Background(), "shoes", fetch)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
		assert.Len(t, page.Products, 1)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		c := NewCache(Config{MaxAge: time.Minute, DebounceTime: time.Hour})
		fetch := func(context.Context) (Page, error) { return Page{}, errors.New("boom") }
		_, _ = c.Get(context.Background(), "shoes", fetch)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.Get(ctx, "shoes", fetch)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCachePruneAndEvict(t *testing.T) {
	t.Run("expired entries pruned on write", func(t *testing.T) {
		clock := newFakeClock()
		c := NewCache(Config{MaxAge: time.Minute}, WithClock(clock.Now))
		var calls atomic.Int32

		_, err := c.Get(context.Background(), "a", countingFetch("a", &calls))
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
		_, err = c.Get(context.Background(), "b", countingFetch("b", &calls))
		require.NoError(t, err)

		assert.Equal(t, 1, c.Len())
	})

	t.Run("oldest evicted over max size", func(t *testing.T) {
		clock := newFakeClock()
		c := NewCache(Config{MaxAge: time.Hour, MaxSize: 2}, WithClock(clock.Now))
		var aCalls, other atomic.Int32

		_, err := c.Get(context.Background(), "a", countingFetch("a", &aCalls))
		require.NoError(t, err)
		for _, k := range []string{"b", "c"} {
			clock.Advance(time.Second)
			_, err := c.Get(context.Background(), k, countingFetch(k, &other))
			require.NoError(t, err)
		}
		assert.Equal(t, 2, c.Len())

		_, err = c.Get(context.Background(), "a", countingFetch("a", &aCalls))
		require.NoError(t, err)
		assert.Equal(t, int32(2), aCalls.Load(), "evicted entry is fetched again")
	})

	t.Run("request history stays bounded when fetches fail", func(t *testing.T) {
		clock := newFakeClock()
		c := NewCache(Config{MaxAge: time.Minute, MaxSize: 5, DebounceTime: time.Second}, WithClock(clock.Now))
		failing := func(context.Context) (Page, error) { return Page{}, errors.New("offline") }

		for i := range 100 {
			clock.Advance(2 * time.Second)
			_, err := c.Get(context.Background(), fmt.Sprintf("k%d", i), failing)
			require.Error(t, err)
		}
		assert.Zero(t, c.Len())
		c.mu.Lock()
		assert.LessOrEqual(t, len(c.lastRequest), 5)
		c.mu.Unlock()
	})

	t.Run("recent requests still debounce after pruning", func(t *testing.T) {
		clock := newFakeClock()
		c := NewCache(Config{MaxAge: time.Minute, MaxSize: 2, DebounceTime: time.Hour}, WithClock(clock.Now))
		var calls atomic.Int32

		for _, k := range []string{"a", "b", "c"} {
			_, err := c.Get(context.Background(), k, countingFetch(k, &calls))
			require.NoError(t, err)
		}
		c.mu.Lock()
		assert.Len(t, c.lastRequest, 3, "records inside the window are kept")
		c.mu.Unlock()
	})
}

func TestCacheSecondLevelStore(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	cfg := Config{MaxAge: time.Minute, StaleWhileRevalidate: true}

	var calls atomic.Int32
	writer := NewCache(cfg, WithClock(clock.Now), WithStore(store))
	_, err := writer.Get(context.Background(), "shoes", countingFetch("p", &calls))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, store.ttls["shoes"])

	reader := NewCache(cfg, WithClock(clock.Now), WithStore(store))
	page, err := reader.Get(context.Background(), "shoes", countingFetch("p", &calls))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "p-1", page.Products[0].Name)
	assert.Equal(t, int64(1), reader.Stats().Hits)
	assert.Equal(t, 1, reader.Len())

	t.Run("expired store entry ignored", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		third := NewCache(cfg, WithClock(clock.Now), WithStore(store))
		_, err := third.Get(context.Background(), "shoes", countingFetch("p", &calls))
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestCacheInvalidate(t *testing.T) {
	store := newMemStore()
	c := NewCache(Config{MaxAge: time.Minute}, WithStore(store))
	var calls atomic.Int32
	for _, k := range []string{"shoes?page=1", "shoes?page=2", "shoes-kids?page=1", "bags"} {
		_, err := c.Get(context.Background(), k, countingFetch(k, &calls))
		require.NoError(t, err)
	}

	c.Invalidate(context.Background(), "shoes")
	assert.Equal(t, 2, c.Len())
	assert.ElementsMatch(t, []string{"shoes?page=1", "shoes?page=2"}, store.deleted)

	c.Invalidate(context.Background(), "bags")
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCacheMetrics(t *testing.T) {
	m := metrics.New("test")
	c := NewCache(Config{MaxAge: time.Minute}, WithMetrics(m))
	var calls atomic.Int32
	fetch := countingFetch("p", &calls)

	_, err := c.Get(context.Background(), "shoes", fetch)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "shoes", fetch)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheLookups.WithLabelValues(metrics.CacheMiss)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheLookups.WithLabelValues(metrics.CacheHit)))
}

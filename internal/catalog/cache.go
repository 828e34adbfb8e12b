// Package catalog fetches category product listings through a TTL cache with
// stale-while-revalidate, per-key request sharing and debounce.
package catalog

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/storefront/internal/client"
	"github.com/example/storefront/internal/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Query limits
const (
	DefaultLimit = 20
	MaxLimit     = 50
	DefaultPage  = 1
)

// Product is a catalog product as listed by GET /api/products.
type Product struct {
	ID       string          `json:"_id"`
	Name     string          `json:"name"`
	Slug     string          `json:"slug,omitempty"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
	Images   []string        `json:"images,omitempty"`
	Rating   float64         `json:"rating,omitempty"`
	Category string          `json:"categoryName,omitempty"`
}

// Page is one cached product listing.
type Page struct {
	Products   []Product          `json:"products"`
	Pagination *client.Pagination `json:"pagination,omitempty"`
}

// Entry is a cached page and the time it was fetched.
type Entry struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	Page      Page      `json:"page"`
}

// FetchFunc loads a page from the backend.
type FetchFunc func(ctx context.Context) (Page, error)

// Config configures a Cache.
type Config struct {
	MaxAge               time.Duration
	MaxSize              int
	DebounceTime         time.Duration
	StaleWhileRevalidate bool
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxAge:               5 * time.Minute,
		MaxSize:              50,
		DebounceTime:         300 * time.Millisecond,
		StaleWhileRevalidate: true,
	}
}

// Stats are cache counters since creation.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Stale     int64 `json:"stale"`
	Misses    int64 `json:"misses"`
	Debounced int64 `json:"debounced"`
	Shared    int64 `json:"shared"`
}

// Cache is the category request cache.
//
// Thread Safety: Safe for concurrent use.
type Cache struct {
	cfg     Config
	now     func() time.Time
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
	bg      sync.WaitGroup

	mu           sync.Mutex
	entries      map[string]Entry
	lastRequest  map[string]time.Time
	waiting      map[string]int
	revalidating map[string]bool

	hits, stale, misses, debounced, shared atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the time source used for ages and debounce.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStore adds a shared second-level store consulted on misses.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics records lookup outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates a cache. Zero config values take their defaults.
func NewCache(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.DebounceTime < 0 {
		cfg.DebounceTime = 0
	}
	c := &Cache{
		cfg:          cfg,
		now:          time.Now,
		logger:       zap.NewNop(),
		entries:      make(map[string]Entry),
		lastRequest:  make(map[string]time.Time),
		waiting:      make(map[string]int),
		revalidating: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("category-cache")
	return c
}

// Key builds the cache key from the lowercased category and the sorted non-empty params.
func Key(category string, params url.Values) string {
	key := strings.ToLower(strings.TrimSpace(category))
	clean := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				clean.Add(k, v)
			}
		}
	}
	if len(clean) == 0 {
		return key
	}
	return key + "?" + clean.Encode()
}

// SanitizeQuery returns a copy of params with limit clamped to [1,50] (default 20)
// and page at least 1 (default 1).
func SanitizeQuery(params url.Values) url.Values {
	out := url.Values{}
	for k, vs := range params {
		out[k] = append([]string(nil), vs...)
	}

	limit := DefaultLimit
	if n, err := strconv.Atoi(out.Get("limit")); err == nil {
		limit = min(max(n, 1), MaxLimit)
	}
	out.Set("limit", strconv.Itoa(limit))

	page := DefaultPage
	if n, err := strconv.Atoi(out.Get("page")); err == nil {
		page = max(n, 1)
	}
	out.Set("page", strconv.Itoa(page))
	return out
}

// Get returns the page for key, calling fetch only when needed.
//
// A fresh entry is served directly. A stale entry is served and, with
// stale-while-revalidate, refreshed in the background. Callers for a key already
// being fetched share that fetch. A repeat request inside the debounce window is
// served from any cached entry, or waits out the window before fetching.
func (c *Cache) Get(ctx context.Context, key string, fetch FetchFunc) (Page, error) {
	now := c.now()

	c.mu.Lock()
	entry, cached := c.entries[key]
	last, seen := c.lastRequest[key]
	if len(c.lastRequest) >= c.cfg.MaxSize {
		c.pruneRequestsLocked(now)
	}
	c.lastRequest[key] = now
	inFlight := c.waiting[key] > 0
	c.mu.Unlock()

	if cached {
		if now.Sub(entry.Timestamp) <= c.cfg.MaxAge {
			c.record(&c.hits, metrics.CacheHit)
			return entry.Page, nil
		}
		if c.cfg.StaleWhileRevalidate {
			c.record(&c.stale, metrics.CacheStale)
			c.revalidate(key, fetch)
			return entry.Page, nil
		}
	}

	if !inFlight && seen && c.cfg.DebounceTime > 0 {
		if elapsed := now.Sub(last); elapsed < c.cfg.DebounceTime {
			if cached {
				c.record(&c.debounced, metrics.CacheDebounced)
				return entry.Page, nil
			}
			if err := sleep(ctx, c.cfg.DebounceTime-elapsed); err != nil {
				return Page{}, err
			}
			c.mu.Lock()
			entry, cached = c.entries[key]
			c.mu.Unlock()
			if cached && c.now().Sub(entry.Timestamp) <= c.cfg.MaxAge {
				c.record(&c.debounced, metrics.CacheDebounced)
				return entry.Page, nil
			}
		}
	}

	if page, ok := c.fromStore(ctx, key); ok {
		c.record(&c.hits, metrics.CacheHit)
		return page, nil
	}
	return c.load(ctx, key, fetch)
}

// load fetches key once for all concurrent callers and stores the result.
func (c *Cache) load(ctx context.Context, key string, fetch FetchFunc) (Page, error) {
	c.mu.Lock()
	c.waiting[key]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiting[key]--; c.waiting[key] <= 0 {
			delete(c.waiting, key)
		}
		c.mu.Unlock()
	}()

	// The shared fetch must not be cancelled by whichever caller started it.
	shareCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		page, err := fetch(shareCtx)
		if err != nil {
			return Page{}, err
		}
		c.put(shareCtx, key, page)
		return page, nil
	})

	select {
	case <-ctx.Done():
		return Page{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.record(&c.shared, metrics.CacheShared)
		} else {
			c.record(&c.misses, metrics.CacheMiss)
		}
		if res.Err != nil {
			return Page{}, res.Err
		}
		return res.Val.(Page), nil
	}
}

func (c *Cache) revalidate(key string, fetch FetchFunc) {
	c.mu.Lock()
	if c.revalidating[key] {
		c.mu.Unlock()
		return
	}
	c.revalidating[key] = true
	c.mu.Unlock()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.revalidating, key)
			c.mu.Unlock()
		}()

		_, err, _ := c.group.Do(key, func() (any, error) {
			page, err := fetch(context.Background())
			if err != nil {
				return Page{}, err
			}
			c.put(context.Background(), key, page)
			return page, nil
		})
		if err != nil {
			c.logger.Warn("Background revalidation failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// put stores page under key, then prunes entries older than MaxAge and evicts the
// oldest entries while the cache is over MaxSize.
func (c *Cache) put(ctx context.Context, key string, page Page) {
	entry := Entry{Key: key, Timestamp: c.now(), Page: page}

	c.mu.Lock()
	c.entries[key] = entry
	c.pruneLocked(entry.Timestamp)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Set(ctx, entry, c.storeTTL()); err != nil {
			c.logger.Warn("Failed to write shared cache", zap.String("key", key), zap.Error(err))
		}
	}
}

// pruneRequestsLocked forgets request times that can no longer debounce anything.
func (c *Cache) pruneRequestsLocked(now time.Time) {
	for k, t := range c.lastRequest {
		if now.Sub(t) >= c.cfg.DebounceTime {
			delete(c.lastRequest, k)
		}
	}
}

func (c *Cache) pruneLocked(now time.Time) {
	c.pruneRequestsLocked(now)
	for k, e := range c.entries {
		if now.Sub(e.Timestamp) > c.cfg.MaxAge {
			delete(c.entries, k)
		}
	}
	for len(c.entries) > c.cfg.MaxSize {
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.Timestamp.Before(oldest) || (e.Timestamp.Equal(oldest) && k < oldestKey) {
				oldestKey, oldest = k, e.Timestamp
			}
		}
		delete(c.entries, oldestKey)
	}
}

// fromStore consults the shared store and promotes a fresh entry to memory.
func (c *Cache) fromStore(ctx context.Context, key string) (Page, bool) {
	if c.store == nil {
		return Page{}, false
	}
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Failed to read shared cache", zap.String("key", key), zap.Error(err))
		return Page{}, false
	}
	if !ok || c.now().Sub(entry.Timestamp) > c.cfg.MaxAge {
		return Page{}, false
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.pruneLocked(c.now())
	c.mu.Unlock()
	return entry.Page, true
}

func (c *Cache) storeTTL() time.Duration {
	if c.cfg.StaleWhileRevalidate {
		return 2 * c.cfg.MaxAge
	}
	return c.cfg.MaxAge
}

// Invalidate drops key, or every key of a category when key has no query part.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	var dropped []string
	for k := range c.entries {
		if k == key || (!strings.Contains(key, "?") && strings.HasPrefix(k, key+"?")) {
			delete(c.entries, k)
			dropped = append(dropped, k)
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	for _, k := range dropped {
		if err := c.store.Delete(ctx, k); err != nil {
			c.logger.Warn("Failed to delete from shared cache", zap.String("key", k), zap.Error(err))
		}
	}
}

// Clear drops every in-memory entry and debounce record.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	c.lastRequest = make(map[string]time.Time)
}

// Len returns the number of in-memory entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Stale:     c.stale.Load(),
		Misses:    c.misses.Load(),
		Debounced: c.debounced.Load(),
		Shared:    c.shared.Load(),
	}
}

// Wait blocks until background revalidations finish.
func (c *Cache) Wait() {
	c.bg.Wait()
}

func (c *Cache) record(counter *atomic.Int64, outcome string) {
	counter.Add(1)
	c.metrics.ObserveCache(outcome)
}

func (c *Cache) waiters(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting[key]
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

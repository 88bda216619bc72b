package marketdata

import (
	"context"
	"sync"
	"time"
)

// Cache is the capability interface for short-lived ticker caching.
// It is injected rather than held as a package global so a deployment
// can swap in a shared cache.
type Cache interface {
	Get(symbol string) (*Ticker, bool)
	GetAny(symbol string) (*Ticker, bool)
	Set(symbol string, ticker *Ticker)
}

var _ Cache = (*TTLCache)(nil)

// TTLCache is a mutex-guarded in-process Cache. A read within the TTL
// window may be stale relative to the exchange; that is the contract.
type TTLCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	ticker   Ticker
	storedAt time.Time
}

// NewTTLCache creates a TTLCache with the given time-to-live.
func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached ticker if it is still within the TTL.
func (c *TTLCache) Get(symbol string) (*Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[symbol]
	if !ok || c.now().Sub(entry.storedAt) > c.ttl {
		return nil, false
	}
	t := entry.ticker
	return &t, true
}

// GetAny returns the cached ticker regardless of age, for degraded
// serving when the upstream is unavailable.
func (c *TTLCache) GetAny(symbol string) (*Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[symbol]
	if !ok {
		return nil, false
	}
	t := entry.ticker
	return &t, true
}

// Set stores a ticker, resetting its TTL window.
func (c *TTLCache) Set(symbol string, ticker *Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = cacheEntry{ticker: *ticker, storedAt: c.now()}
}

// CachedProvider wraps a Provider with a Cache for ticker reads. When
// the upstream fails and an expired entry exists, the entry is served
// with Stale set so callers can see its provenance.
type CachedProvider struct {
	upstream Provider
	cache    Cache
}

// NewCachedProvider wraps upstream with the given cache.
func NewCachedProvider(upstream Provider, cache Cache) *CachedProvider {
	return &CachedProvider{upstream: upstream, cache: cache}
}

// GetTicker serves from cache within the TTL, otherwise refreshes from
// the upstream provider.
func (p *CachedProvider) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if t, ok := p.cache.Get(symbol); ok {
		return t, nil
	}

	t, err := p.upstream.GetTicker(ctx, symbol)
	if err != nil {
		if stale, ok := p.cache.GetAny(symbol); ok {
			stale.Stale = true
			return stale, nil
		}
		return nil, err
	}

	p.cache.Set(symbol, t)
	return t, nil
}

// GetPriceHistory is a pass-through; history reads are not cached.
func (p *CachedProvider) GetPriceHistory(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	return p.upstream.GetPriceHistory(ctx, symbol, interval, limit)
}

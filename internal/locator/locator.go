// Package locator implements the IP-geolocation port: an async
// Locate(ip) -> Location lookup behind an in-memory cache with TTL sweep,
// so a real geolocation backend can be swapped in behind the same
// interface without touching callers.
package locator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Location is a resolved city-level position.
type Location struct {
	Lat  float64
	Lon  float64
	City string
}

// Provider resolves a single IP to a Location. Implementations may take
// arbitrarily long and are expected to be called from a goroutine that
// does not hold up any other work; a failed lookup returns an error and
// is cached as a negative result so a consistently-unreachable provider
// doesn't get hammered on every lookup.
type Provider interface {
	Locate(ctx context.Context, ip string) (Location, error)
}

// NullProvider resolves nothing; it is the default wiring when no real
// geolocation backend is configured, so every lookup is cached as a
// negative result instead of the caller skipping the cache entirely.
type NullProvider struct{}

func (NullProvider) Locate(ctx context.Context, ip string) (Location, error) {
	return Location{}, errNoProvider
}

var errNoProvider = errors.New("locator: no provider configured")

type cacheEntry struct {
	loc       Location
	ok        bool
	expiresAt time.Time
}

// CachingLocator wraps a Provider with an in-memory TTL cache, swept
// periodically, the same background-cleanup idiom used by the
// ratelimit and nodeid registries elsewhere in this codebase.
type CachingLocator struct {
	provider Provider
	ttl      time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry

	stop chan struct{}
}

// New wraps provider with a cache that holds entries for ttl, sweeping
// expired entries every sweepEvery.
func New(provider Provider, ttl, sweepEvery time.Duration) *CachingLocator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Hour
	}
	l := &CachingLocator{
		provider: provider,
		ttl:      ttl,
		entries:  make(map[string]cacheEntry),
		stop:     make(chan struct{}),
	}
	go l.sweepLoop(sweepEvery)
	return l
}

// Locate resolves ip, serving from cache when a live entry exists
// (positive or negative) and otherwise calling through to the provider
// and caching whatever it returns, including failures.
func (l *CachingLocator) Locate(ctx context.Context, ip string) (Location, bool) {
	now := time.Now()

	l.mu.Lock()
	if e, ok := l.entries[ip]; ok && now.Before(e.expiresAt) {
		l.mu.Unlock()
		return e.loc, e.ok
	}
	l.mu.Unlock()

	loc, err := l.provider.Locate(ctx, ip)
	ok := err == nil

	l.mu.Lock()
	l.entries[ip] = cacheEntry{loc: loc, ok: ok, expiresAt: now.Add(l.ttl)}
	l.mu.Unlock()

	return loc, ok
}

func (l *CachingLocator) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *CachingLocator) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if now.After(e.expiresAt) {
			delete(l.entries, ip)
		}
	}
}

// Close stops the background sweep goroutine.
func (l *CachingLocator) Close() {
	close(l.stop)
}

// Package ratelimit gates new socket admissions per remote IP: a
// token-bucket approach via golang.org/x/time/rate, with a background
// sweep of idle entries, applied to both the ingest and feed listeners.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limiter is a per-IP token bucket admission gate.
type Limiter struct {
	mu       sync.Mutex
	entries  map[string]*entry
	perSec   float64
	burst    int
	idleTTL  time.Duration
	logger   zerolog.Logger
	stopOnce sync.Once
	stop     chan struct{}
}

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New creates a Limiter admitting perSec sustained connections with the
// given burst per distinct source IP. Idle per-IP entries are swept every
// minute after idleTTL of inactivity.
func New(perSec float64, burst int, idleTTL time.Duration, logger zerolog.Logger) *Limiter {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	l := &Limiter{
		entries: make(map[string]*entry),
		perSec:  perSec,
		burst:   burst,
		idleTTL: idleTTL,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether a new connection from ip should be admitted.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	e, ok := l.entries[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.perSec), l.burst)}
		l.entries[ip] = e
	}
	e.lastAccess = time.Now()
	l.mu.Unlock()

	return e.limiter.Allow()
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
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

func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if e.lastAccess.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

// Close stops the background sweep goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLimiterAllowsUpToBurstThenRejects(t *testing.T) {
	l := New(0.0001, 2, time.Minute, zerolog.Nop())
	defer l.Close()

	if !l.Allow("203.0.113.1") {
		t.Fatal("first connection should be admitted")
	}
	if !l.Allow("203.0.113.1") {
		t.Fatal("second connection (within burst) should be admitted")
	}
	if l.Allow("203.0.113.1") {
		t.Fatal("third connection beyond burst should be rejected")
	}
}

func TestLimiterTracksDistinctIPsIndependently(t *testing.T) {
	l := New(0.0001, 1, time.Minute, zerolog.Nop())
	defer l.Close()

	if !l.Allow("203.0.113.1") {
		t.Fatal("first IP's first connection should be admitted")
	}
	if !l.Allow("203.0.113.2") {
		t.Fatal("second IP's first connection should be admitted independently of the first")
	}
}

func TestLimiterSweepDropsIdleEntries(t *testing.T) {
	l := New(1, 1, time.Millisecond, zerolog.Nop())
	defer l.Close()

	l.Allow("203.0.113.1")
	time.Sleep(5 * time.Millisecond)
	l.sweep()

	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("entries after sweep = %d, want 0", n)
	}
}

func TestLimiterCloseIsIdempotent(t *testing.T) {
	l := New(1, 1, time.Minute, zerolog.Nop())
	l.Close()
	l.Close()
}

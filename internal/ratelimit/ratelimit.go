// Package ratelimit implements the per-IP sliding-window limiter guarding
// sensitive endpoints (spec §5): prepare, confirm, transaction listing,
// public merchant lookup, merchant registration. It is an approximation
// guard, not a contract — per-process, lost on restart.
//
// Grounded on LeJamon-goXRPLd's hashicorp/golang-lru-backed cache pattern
// (mutex-guarded LRU keyed by an identity, bounded by a fixed capacity so
// memory can't grow with the number of distinct IPs seen).
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxTrackedIPs bounds the LRU so a flood of distinct source IPs can't
// grow this limiter's memory without bound; the oldest-touched IP is
// evicted first.
const maxTrackedIPs = 10_000

// Limiter is a bounded-ring-per-IP sliding-window rate limiter.
type Limiter struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *ring]
	maxEvents int
	window    time.Duration
}

// New builds a Limiter allowing at most maxEvents events per window,
// measured per IP.
func New(maxEvents int, window time.Duration) *Limiter {
	c, err := lru.New[string, *ring](maxTrackedIPs)
	if err != nil {
		// Only possible with a non-positive size, which maxTrackedIPs
		// never is; keeping the panic explicit rather than swallowing a
		// misconfiguration.
		panic(err)
	}
	return &Limiter{cache: c, maxEvents: maxEvents, window: window}
}

// ring is a bounded ring buffer of recent event timestamps for one IP.
type ring struct {
	mu   sync.Mutex
	buf  []time.Time
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]time.Time, size)}
}

// recordAndCount records now as a new event and returns how many recorded
// timestamps, including it, fall within window of now.
func (r *ring) recordAndCount(now time.Time, window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = now
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}

	cutoff := now.Add(-window)
	count := 0
	n := len(r.buf)
	if !r.full {
		n = r.next
	}
	for i := 0; i < n; i++ {
		if r.buf[i].After(cutoff) {
			count++
		}
	}
	return count
}

// Allow reports whether ip may proceed under the sliding window; it
// records the attempt regardless of outcome, per the "measured with a
// bounded ring of timestamps per IP" policy (spec §5).
func (l *Limiter) Allow(ip string, now time.Time) bool {
	l.mu.Lock()
	r, ok := l.cache.Get(ip)
	if !ok {
		// One slot beyond maxEvents so an over-limit attempt is countable.
		r = newRing(l.maxEvents + 1)
		l.cache.Add(ip, r)
	}
	l.mu.Unlock()

	count := r.recordAndCount(now, l.window)
	return count <= l.maxEvents
}

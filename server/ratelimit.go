package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry pairs a per-identity limiter with its last-use time so
// idle entries can be swept from the cache.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// ipRateLimiter caches one token-bucket limiter per client IP,
// enforcing maxRequests per window (§4.7: 300/minute default). Modeled
// on the per-identity *rate.Limiter cache in
// storj's satellite/metainfo Endpoint (there backed by an LRU; here by
// a small mutex-guarded map, since the pack does not vendor an LRU
// cache package reachable from this module).
type ipRateLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*limiterEntry
	maxRequests int
	window      time.Duration
	sweepEvery  time.Duration
	lastSweep   time.Time
}

func newIPRateLimiter(maxRequests int, window time.Duration) *ipRateLimiter {
	return &ipRateLimiter{
		limiters:    make(map[string]*limiterEntry),
		maxRequests: maxRequests,
		window:      window,
		sweepEvery:  10 * time.Minute,
		lastSweep:   time.Now(),
	}
}

// allow reports whether ip may proceed, consuming one token if so.
func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked()

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.maxRequests)/l.window.Seconds()), l.maxRequests),
		}
		l.limiters[ip] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter.Allow()
}

func (l *ipRateLimiter) sweepLocked() {
	now := time.Now()
	if now.Sub(l.lastSweep) < l.sweepEvery {
		return
	}
	l.lastSweep = now
	for ip, entry := range l.limiters {
		if now.Sub(entry.lastUsed) > l.sweepEvery {
			delete(l.limiters, ip)
		}
	}
}

package ingress

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window per-agent counter: at most limit deliveries
// per agent per window.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	count       int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a delivery for agentID fits in the current window.
func (r *rateLimiter) Allow(agentID string) bool {
	if r.limit <= 0 {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[agentID]
	if !ok || now.Sub(b.windowStart) >= r.window {
		r.buckets[agentID] = &bucket{windowStart: now, count: 1}
		// Sweep stale buckets opportunistically to keep the map bounded.
		for key, old := range r.buckets {
			if now.Sub(old.windowStart) >= 2*r.window {
				delete(r.buckets, key)
			}
		}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}

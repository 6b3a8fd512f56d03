package server

import (
	"sync"
	"time"
)

// rateLimiter allows limit requests per fixed window. A zero limit allows
// everything.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	count int
	start time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{limit: limit, window: window}
}

func (r *rateLimiter) allow(now time.Time) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Reset window if expired
	if now.Sub(r.start) >= r.window {
		r.count = 0
		r.start = now
	}
	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}

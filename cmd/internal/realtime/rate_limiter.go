package realtime

import "time"

// RateLimiter caps inbound frames per connection: at most limit frames in any
// window. It keeps the last limit accept times in a ring and is owned by a
// single read loop, so it is not safe for concurrent use.
type RateLimiter struct {
	ring   []time.Time
	next   int
	limit  int
	window time.Duration
}

// NewRateLimiter falls back to the package defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow records a frame at now and reports whether it fits the budget.
func (r *RateLimiter) Allow(now time.Time) bool {
	if len(r.ring) < r.limit {
		r.ring = append(r.ring, now)
		return true
	}

	// ring[next] is the oldest accepted frame.
	if r.ring[r.next].After(now.Add(-r.window)) {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % r.limit
	return true
}

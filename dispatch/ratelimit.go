package dispatch

import (
	"time"

	"golang.org/x/time/rate"
)

// SlotLimiter enforces a minimum wall-clock interval between two requests
// issued through the same slot. Each slot owns a token bucket holding a
// single token that refills once per interval, so a slot that has never
// issued a request is immediately ready and the interval bounds request
// initiation rate, not completion rate.
type SlotLimiter struct {
	interval time.Duration
	limiters []*rate.Limiter
}

// NewSlotLimiter creates one limiter per slot. A non-positive interval
// disables rate limiting entirely.
func NewSlotLimiter(slots int, interval time.Duration) *SlotLimiter {
	limiters := make([]*rate.Limiter, slots)
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	for i := range limiters {
		limiters[i] = rate.NewLimiter(limit, 1)
	}
	return &SlotLimiter{interval: interval, limiters: limiters}
}

// Ready reports whether the slot may issue a request now, without
// consuming the slot's token.
func (l *SlotLimiter) Ready(slot int) bool {
	return l.limiters[slot].Tokens() >= 1
}

// Record consumes the slot's token immediately before an attempt is
// issued, starting the next interval. Returns false if another caller won
// the token since the Ready check.
func (l *SlotLimiter) Record(slot int) bool {
	return l.limiters[slot].Allow()
}

// Interval returns the configured per-slot minimum interval.
func (l *SlotLimiter) Interval() time.Duration {
	return l.interval
}

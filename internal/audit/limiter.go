package audit

import (
	"golang.org/x/time/rate"
)

// DefaultWritesPerSecond is the store's default sustained write rate (spec
// §4.12's token-bucket default).
const DefaultWritesPerSecond = 100

// Limiter wraps golang.org/x/time/rate.Limiter as a token bucket gating
// writes before they reach the lock. It implements writerengine.RateLimiter.
type Limiter struct {
	l *rate.Limiter
}

// NewLimiter returns a Limiter sustaining ratePerSecond writes/sec with a
// burst of burst. ratePerSecond<=0 uses DefaultWritesPerSecond; burst<=0
// uses ratePerSecond (one second's worth of burst).
func NewLimiter(ratePerSecond, burst int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultWritesPerSecond
	}
	if burst <= 0 {
		burst = ratePerSecond
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a write may proceed right now, consuming one token
// if so. It never blocks.
func (lim *Limiter) Allow() bool {
	return lim.l.Allow()
}

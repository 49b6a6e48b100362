// Package limits holds per-client rate limiting and server admission control.
package limits

import (
	"time"

	"golang.org/x/time/rate"
)

const (
	// Defaults applied when the rate-limit config is enabled without values.
	DefaultCallLimit    = 120
	DefaultCallInterval = 60 * time.Second
)

// CallLimiter is a token bucket evaluated once per method dispatch. A
// limiter may be shared by every caller presenting the same identity.
type CallLimiter struct {
	limiter *rate.Limiter
}

// NewCallLimiter creates a bucket holding max tokens refilled evenly over
// interval. Zero values fall back to the defaults (120 per 60s).
func NewCallLimiter(max int, interval time.Duration) *CallLimiter {
	if max <= 0 {
		max = DefaultCallLimit
	}
	if interval <= 0 {
		interval = DefaultCallInterval
	}
	refill := rate.Limit(float64(max) / interval.Seconds())
	return &CallLimiter{limiter: rate.NewLimiter(refill, max)}
}

// Allow consumes one token. It is safe for concurrent use and never blocks.
func (l *CallLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

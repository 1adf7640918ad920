// Package server throttles inbound frames per connection with a token
// bucket sized for continuous pose streams, not chat traffic.
package server

import (
	"math"
	"sync"
	"time"
)

// rateLimiter is a token bucket: burst tokens, refilled evenly over the
// configured interval. Inputs are already clamped by config sanitize.
type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	burst     float64
	perSecond float64
	last      time.Time
}

func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	return &rateLimiter{
		tokens:    float64(burst),
		burst:     float64(burst),
		perSecond: float64(burst) / interval.Seconds(),
		last:      time.Now(),
	}
}

// allow consumes one token if available. The read pump discards the frame
// when it returns false; the connection itself stays up.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens = math.Min(rl.burst, rl.tokens+now.Sub(rl.last).Seconds()*rl.perSecond)
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token-bucket rate limiter. A zero rate means unlimited.
type Limiter struct {
	mu     sync.Mutex
	rate   float64 // tokens added per second
	burst  float64
	tokens float64
	last   time.Time
}

// New creates a Limiter allowing rate requests per second with a burst of
// at least one request.
func New(rate float64) *Limiter {
	burst := rate
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rate: rate, burst: burst, tokens: burst, last: time.Now()}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now

	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

package forwarder

import (
	"math/rand"
	"time"

	"github.com/AnatolyTseytsey/forward-webhook/internal/config"
)

// Policy is the retry schedule applied to failed deliveries.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// PolicyFrom builds a Policy from config (defaults: 1s base, x2, 5m cap,
// 8 attempts).
func PolicyFrom(conf config.BackoffConf) Policy {
	return Policy{
		Base:        time.Duration(conf.BaseMs) * time.Millisecond,
		Multiplier:  conf.Multiplier,
		Cap:         time.Duration(conf.CapMs) * time.Millisecond,
		MaxAttempts: conf.MaxAttempts,
	}
}

// Delay returns the backoff before attempt number attempt+1, given that
// attempt failures have happened. Jitter stays within [d/2, d] so the
// schedule remains non-decreasing up to the cap.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Cap) {
			break
		}
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}

// Exhausted reports whether attempt failures have used up the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

package engine

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: base * 2^attempts, capped, plus a
// random jitter fraction so colliding clients spread out.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the delay added as random jitter, 0..1
}

// DefaultBackoff matches the processor defaults: 2s base doubling up to
// five minutes with 20% jitter.
var DefaultBackoff = Backoff{
	Base:   2 * time.Second,
	Cap:    5 * time.Minute,
	Jitter: 0.2,
}

// Delay returns the raw (jitter-free) delay before the next attempt.
// attempts is the number of deliveries tried so far, starting at 1.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	return d
}

// Jittered returns Delay plus random jitter.
func (b Backoff) Jittered(attempts int) time.Duration {
	d := b.Delay(attempts)
	if b.Jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*b.Jitter*float64(d))
}

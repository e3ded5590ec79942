package delivery

import (
	"math/rand"
	"time"
)

// backoff returns the delay before the next attempt: exponential from
// base, capped at max, with uniform jitter in [0.5x, 1.5x) so retries
// from a burst of failures do not land in lockstep.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := 0.5 + rand.Float64()
	out := time.Duration(float64(d) * jitter)
	if out > time.Duration(float64(max)*1.5) {
		out = time.Duration(float64(max) * 1.5)
	}
	return out
}

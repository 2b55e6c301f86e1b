package scheduler

import "time"

// Backoff returns the delay before retry number attempt (1-based) using
// equal jitter: half the exponential step is fixed, the other half random.
// rnd must return values in [0, 1). Delays before the cap strictly increase.
func Backoff(attempt int, base, max time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	step := base
	for i := 1; i < attempt && step < max; i++ {
		step *= 2
	}
	if step > max {
		step = max
	}
	half := step / 2
	return half + time.Duration(rnd()*float64(step-half))
}

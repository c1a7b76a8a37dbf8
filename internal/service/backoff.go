package service

import (
	"math/rand/v2"
	"time"
)

const maxBackoffShift = 32

// nextBackoff returns the delay before retry number attempt (1-based):
// base*2^(attempt-1) capped at max, with jitter in [d/2, d) so that
// consecutive delays keep growing until the cap is reached.
func nextBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt < 1 {
		attempt = 1
	}

	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	d := base << shift
	if d <= 0 || d > max {
		d = max
	}

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

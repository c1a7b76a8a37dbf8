package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffJitterRange(t *testing.T) {
	base := 1 * time.Second
	max := 5 * time.Minute

	for attempt := 1; attempt <= 8; attempt++ {
		full := base << (attempt - 1)
		for i := 0; i < 50; i++ {
			d := nextBackoff(base, max, attempt)
			assert.GreaterOrEqual(t, d, full/2, "attempt %d", attempt)
			assert.Less(t, d, full, "attempt %d", attempt)
		}
	}
}

func TestNextBackoffGrows(t *testing.T) {
	base := 1 * time.Second
	max := 1 * time.Hour

	// the jitter floor of attempt n+1 equals the jitter ceiling of attempt n,
	// so consecutive delays can never shrink
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := nextBackoff(base, max, attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestNextBackoffCapped(t *testing.T) {
	base := 1 * time.Second
	max := 4 * time.Second

	for attempt := 3; attempt <= 40; attempt++ {
		d := nextBackoff(base, max, attempt)
		assert.GreaterOrEqual(t, d, max/2)
		assert.Less(t, d, max)
	}
}

func TestNextBackoffDefaults(t *testing.T) {
	// zero base falls back to one second, max below base is raised to base
	d := nextBackoff(0, 0, 1)
	assert.GreaterOrEqual(t, d, 500*time.Millisecond)
	assert.Less(t, d, time.Second)

	// huge attempt numbers must not overflow into negatives
	d = nextBackoff(time.Second, time.Minute, 1<<40)
	assert.GreaterOrEqual(t, d, 30*time.Second)
	assert.Less(t, d, time.Minute)
}

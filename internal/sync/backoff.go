package sync

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is exponential backoff with optional jitter.
// Attempt starts at 1 for the first retry.
type Backoff struct {
	Initial      time.Duration
	Max          time.Duration
	Multiplier   float64
	JitterFactor float64
}

func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Minute
	}
	maxInterval := b.Max
	if maxInterval <= 0 {
		maxInterval = time.Hour
	}
	mult := b.Multiplier
	if mult == 0 {
		mult = 2
	}

	interval := float64(initial) * math.Pow(mult, float64(attempt-1))
	if b.JitterFactor > 0 {
		interval *= 1 + (rand.Float64()*2-1)*b.JitterFactor
	}
	if interval > float64(maxInterval) {
		interval = float64(maxInterval)
	}
	return time.Duration(interval)
}

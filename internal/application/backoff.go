package application

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays as Base * 2^(attempt-1), capped at Max,
// then spread by +/- Jitter (a fraction of the delay).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

func NewBackoff(base, max time.Duration, jitter float64) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return Backoff{Base: base, Max: max, Jitter: jitter, rand: rand.Float64}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 && b.rand != nil {
		spread := float64(d) * b.Jitter
		d += time.Duration(spread * (2*b.rand() - 1))
	}
	if d < 0 {
		d = 0
	}
	return d
}

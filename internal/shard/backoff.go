package shard

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base doubled per consecutive failure,
// plus up to one Base of jitter, capped at Max. Delays never decrease as the
// failure count grows.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter func() float64
}

// Delay returns the wait before the attempt following `failures` consecutive
// failures. Zero failures means no wait.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 || b.Base <= 0 {
		return 0
	}
	limit := b.Max
	if limit < b.Base {
		limit = b.Base
	}

	d := b.Base
	for i := 1; i < failures && d < limit; i++ {
		d *= 2
	}
	if d >= limit {
		return limit
	}

	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	d += time.Duration(clampUnit(jitter()) * float64(b.Base))
	if d > limit {
		d = limit
	}
	return d
}

func clampUnit(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f >= 1:
		return 0.999
	}
	return f
}

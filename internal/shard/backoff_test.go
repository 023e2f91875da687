package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	half := func() float64 { return 0.5 }
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: half}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 150 * time.Millisecond},
		{2, 250 * time.Millisecond},
		{3, 450 * time.Millisecond},
		{4, 850 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.failures), "failures=%d", tt.failures)
	}
}

func TestBackoffNonDecreasing(t *testing.T) {
	t.Parallel()

	for _, jitter := range []float64{0, 0.3, 0.999, 1.5, -1} {
		j := jitter
		b := Backoff{Base: 250 * time.Millisecond, Max: 30 * time.Second, Jitter: func() float64 { return j }}
		prev := time.Duration(0)
		for f := 1; f <= 20; f++ {
			d := b.Delay(f)
			assert.GreaterOrEqual(t, d, prev, "jitter=%v failures=%d", j, f)
			assert.LessOrEqual(t, d, b.Max)
			prev = d
		}
	}
}

func TestBackoffRandomJitterStaysInRange(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 100 * time.Millisecond, Max: time.Minute}
	for i := 0; i < 100; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 200*time.Millisecond)
	}
}

func TestBackoffMaxBelowBase(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Max: time.Millisecond}
	assert.Equal(t, time.Second, b.Delay(3))
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
}

// Package heartbeat provides the per-shard heartbeat tick source.
//
// A Timer is independent of any connection. A session re-arms it with the
// interval from each hello frame and stops it when the connection drops.
package heartbeat

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Timer emits a signal on C every interval. The first signal after Start is
// delayed by interval scaled by a jitter factor in [0, 1) so that many shards
// reconnecting together do not heartbeat in lockstep.
//
// At most one signal is pending; ticks that fire while the previous one is
// still unread are dropped.
type Timer struct {
	mu     sync.Mutex
	c      chan struct{}
	stop   chan struct{}
	done   chan struct{}
	jitter func() float64
}

// New creates a stopped timer. A nil jitter uses math/rand.
func New(jitter func() float64) *Timer {
	if jitter == nil {
		jitter = rand.Float64
	}
	return &Timer{
		c:      make(chan struct{}, 1),
		jitter: jitter,
	}
}

// C returns the tick channel. The channel is never closed.
func (t *Timer) C() <-chan struct{} {
	return t.c
}

// Start arms the timer with interval, replacing any previous schedule and
// discarding a pending tick.
func (t *Timer) Start(interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	select {
	case <-t.c:
	default:
	}

	first := time.Duration(float64(interval) * clamp(t.jitter()))
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run(first, interval, t.stop, t.done)
}

// Stop halts the timer and waits for its goroutine to exit. Stopping a
// stopped timer is a no-op.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Running reports whether the timer is armed.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

func (t *Timer) stopLocked() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
	t.stop = nil
	t.done = nil
}

func (t *Timer) run(first, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			select {
			case t.c <- struct{}{}:
			default:
			}
			timer.Reset(interval)
		}
	}
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f >= 1:
		return 0.999
	}
	return f
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is one token bucket. The turn channel orders callers: only the
// goroutine holding the turn may wait for and take tokens, and goroutines
// blocked on the turn are served in arrival order.
type bucket struct {
	key  string
	turn chan struct{}

	mu        sync.Mutex
	capacity  int
	window    time.Duration
	remaining int
	resetAt   time.Time // zero while no window is running
	changed   chan struct{}
}

func newBucket(key string, cfg BucketConfig) *bucket {
	return &bucket{
		key:       key,
		turn:      make(chan struct{}, 1),
		capacity:  cfg.Capacity,
		window:    cfg.Window,
		remaining: cfg.Capacity,
		changed:   make(chan struct{}),
	}
}

// lock takes the caller's turn.
func (b *bucket) lock(ctx context.Context, closed <-chan struct{}) error {
	select {
	case b.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return errClosed
	}
}

func (b *bucket) unlock() {
	<-b.turn
}

// refreshLocked applies the lazy reset.
func (b *bucket) refreshLocked(now time.Time) {
	if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
		b.remaining = b.capacity
		b.resetAt = time.Time{}
	}
	if b.remaining <= 0 && b.resetAt.IsZero() {
		b.resetAt = now.Add(b.window)
	}
}

// availability returns how long until a token may be available, and a channel
// closed when the bucket is updated from outside before then.
func (b *bucket) availability(now time.Time) (time.Duration, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(now)
	if b.remaining > 0 {
		return 0, nil
	}
	return b.resetAt.Sub(now), b.changed
}

func (b *bucket) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// limit zeroes the bucket until now+retryAfter.
func (b *bucket) limit(now time.Time, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining = 0
	b.resetAt = now.Add(retryAfter)
	b.notifyLocked()
}

// observe applies limits reported by the remote service. Responses to
// concurrent requests arrive out of order, so within the running window a
// report may only lower remaining. A report whose reset falls in a later window
// replaces it.
func (b *bucket) observe(now time.Time, l Limits) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(now)
	if l.Limit > 0 {
		b.capacity = l.Limit
		b.remaining = min(b.remaining, b.capacity)
	}
	remaining := max(0, min(l.Remaining, b.capacity))

	var reset time.Time
	if l.ResetAfter > 0 {
		reset = now.Add(l.ResetAfter)
	}
	if !reset.IsZero() && b.laterWindowLocked(reset) {
		b.remaining = remaining
	} else {
		b.remaining = min(b.remaining, remaining)
	}
	if !reset.IsZero() {
		b.resetAt = reset
	}
	b.notifyLocked()
}

// laterWindowLocked reports whether reset belongs to a window after the one
// running now. Resets of the same window differ only by rounding and latency.
func (b *bucket) laterWindowLocked(reset time.Time) bool {
	return !b.resetAt.IsZero() && reset.Sub(b.resetAt) > b.window/2
}

func (b *bucket) snapshot(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked(now)
	return State{
		Key:       b.key,
		Capacity:  b.capacity,
		Remaining: b.remaining,
		ResetAt:   b.resetAt,
	}
}

// takeAll decrements every bucket by one if all of them have a token, and
// reports whether it did. Buckets are locked in slice order.
func takeAll(now time.Time, buckets ...*bucket) bool {
	for _, b := range buckets {
		b.mu.Lock()
	}
	defer func() {
		for i := len(buckets) - 1; i >= 0; i-- {
			buckets[i].mu.Unlock()
		}
	}()

	for _, b := range buckets {
		b.refreshLocked(now)
		if b.remaining <= 0 {
			return false
		}
	}
	for _, b := range buckets {
		b.remaining--
		if b.resetAt.IsZero() {
			b.resetAt = now.Add(b.window)
		}
	}
	return true
}

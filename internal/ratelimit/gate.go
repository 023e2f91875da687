// Package ratelimit implements the REST rate gate: one token bucket per route
// plus a global bucket shared by every caller.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/metrics"
)

// GlobalKey is the key of the global bucket.
const GlobalKey = "global"

var errClosed = errors.New("gate closed")

// BucketConfig sizes a bucket: Capacity requests per Window.
type BucketConfig struct {
	Capacity int
	Window   time.Duration
}

// Config defines rate gate configuration
type Config struct {
	// Global sizes the bucket shared by all routes.
	Global BucketConfig
	// Route sizes route buckets until the remote service reports their real
	// limits.
	Route BucketConfig
	// DefaultTimeout bounds Acquire when the context has no deadline. Zero
	// waits until the context is done.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the default rate gate configuration
// Allows 50 requests per second globally and 5 per second per route
func DefaultConfig() Config {
	return Config{
		Global:         BucketConfig{Capacity: 50, Window: time.Second},
		Route:          BucketConfig{Capacity: 5, Window: time.Second},
		DefaultTimeout: 10 * time.Second,
	}
}

// Limits are the authoritative limits a response reported for a route.
type Limits struct {
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// State is a point-in-time view of a bucket.
type State struct {
	Key       string
	Capacity  int
	Remaining int
	ResetAt   time.Time
}

// Gate gates outbound requests. It is safe for concurrent use and is meant to
// be shared by every REST caller in the process.
type Gate struct {
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	buckets map[string]*bucket
	global  *bucket

	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the gate's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the gate's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a gate. Non-positive capacities or windows fall back to the
// defaults.
func New(cfg Config, opts ...Option) *Gate {
	def := DefaultConfig()
	if cfg.Global.Capacity <= 0 {
		cfg.Global.Capacity = def.Global.Capacity
	}
	if cfg.Global.Window <= 0 {
		cfg.Global.Window = def.Global.Window
	}
	if cfg.Route.Capacity <= 0 {
		cfg.Route.Capacity = def.Route.Capacity
	}
	if cfg.Route.Window <= 0 {
		cfg.Route.Window = def.Route.Window
	}

	g := &Gate{
		cfg:     cfg,
		now:     time.Now,
		logger:  zap.NewNop(),
		buckets: make(map[string]*bucket),
		global:  newBucket(GlobalKey, cfg.Global),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) bucket(key string) *bucket {
	if key == GlobalKey {
		return g.global
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[key]
	if !ok {
		b = newBucket(key, g.cfg.Route)
		g.buckets[key] = b
	}
	return b
}

// Acquire blocks until the route bucket and the global bucket both admit one
// request, then takes a token from each.
//
// It fails with kephasgate.ErrRateLimitTimeout when the context deadline (or
// the default timeout) elapses first, and with kephasgate.ErrCancelled when
// the context is cancelled or the gate is closed. Acquire never retries on
// the caller's behalf.
func (g *Gate) Acquire(ctx context.Context, routeKey string) error {
	select {
	case <-g.closed:
		return g.waitError(routeKey, errClosed)
	default:
	}
	if _, ok := ctx.Deadline(); !ok && g.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.DefaultTimeout)
		defer cancel()
	}

	start := g.now()
	defer func() { g.metrics.RateLimitWait(g.now().Sub(start)) }()

	route := g.bucket(routeKey)
	if err := route.lock(ctx, g.closed); err != nil {
		return g.waitError(routeKey, err)
	}
	defer route.unlock()

	if route == g.global {
		for {
			if err := g.waitFor(ctx, route); err != nil {
				return g.waitError(routeKey, err)
			}
			if takeAll(g.now(), route) {
				return nil
			}
		}
	}

	for {
		if err := g.waitFor(ctx, route); err != nil {
			return g.waitError(routeKey, err)
		}
		if err := g.global.lock(ctx, g.closed); err != nil {
			return g.waitError(routeKey, err)
		}
		err := g.waitFor(ctx, g.global)
		if err == nil && takeAll(g.now(), route, g.global) {
			g.global.unlock()
			return nil
		}
		g.global.unlock()
		if err != nil {
			return g.waitError(routeKey, err)
		}
		// The route bucket was limited while waiting on the global one.
	}
}

// waitFor blocks until b may have a token.
func (g *Gate) waitFor(ctx context.Context, b *bucket) error {
	for {
		wait, changed := b.availability(g.now())
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-changed:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-g.closed:
			timer.Stop()
			return errClosed
		}
	}
}

func (g *Gate) waitError(routeKey string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", kephasgate.ErrRateLimitTimeout, routeKey)
	case errors.Is(err, errClosed):
		return fmt.Errorf("%w: %s", kephasgate.ErrCancelled, kephasgate.ErrMsgGateClosed)
	default:
		return fmt.Errorf("%w: %s: %v", kephasgate.ErrCancelled, routeKey, err)
	}
}

// ReportLimited records a 429 from the remote service. The affected bucket
// (the global one when global is true, the route's otherwise) admits nothing
// until retryAfter has elapsed.
func (g *Gate) ReportLimited(routeKey string, retryAfter time.Duration, global bool) {
	now := g.now()
	if global {
		g.global.limit(now, retryAfter)
		g.metrics.RateLimited("global")
	} else {
		g.bucket(routeKey).limit(now, retryAfter)
		g.metrics.RateLimited("route")
	}
	g.logger.Warn("rate limited",
		zap.String("route", routeKey),
		zap.Duration("retry_after", retryAfter),
		zap.Bool("global", global))
}

// Observe applies the limits a successful response reported for a route.
func (g *Gate) Observe(routeKey string, l Limits) {
	g.bucket(routeKey).observe(g.now(), l)
}

// Snapshot returns the state of a bucket, creating it if needed.
func (g *Gate) Snapshot(routeKey string) State {
	return g.bucket(routeKey).snapshot(g.now())
}

// Close cancels every pending and future Acquire.
func (g *Gate) Close() {
	g.closeOnce.Do(func() { close(g.closed) })
}

// Package dispatch delivers events from every shard to registered handlers.
//
// Each shard publishes into its own bounded queue. A forwarder per queue feeds
// a single consumer goroutine that runs handlers one at a time, so events of
// one shard reach handlers in the order they were published and handler work
// never runs on a socket read loop.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/events"
	"github.com/luciancaetano/kephasgate/internal/metrics"
)

// DefaultQueueSize is the per-shard queue capacity used when none is given.
const DefaultQueueSize = 256

// ErrorSink receives handler failures. Errors are *kephasgate.ShardError.
type ErrorSink func(err error)

type entry struct {
	shard int
	event kephasgate.Event
}

// Dispatcher fans events from all shards into handlers.
type Dispatcher struct {
	queueSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	sink      ErrorSink

	handlersMu sync.RWMutex
	handlers   map[string][]kephasgate.Handler

	mu     sync.RWMutex
	closed bool
	queues map[int]chan entry

	fanin      chan entry
	forwarders sync.WaitGroup
	closeOnce  sync.Once
	done       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the dispatcher's metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithErrorSink sets the function receiving handler failures. The default
// logs them.
func WithErrorSink(sink ErrorSink) Option {
	return func(d *Dispatcher) {
		if sink != nil {
			d.sink = sink
		}
	}
}

// New creates a dispatcher and starts its consumer. queueSize bounds each
// shard's queue; publishers block when it is full.
func New(queueSize int, opts ...Option) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queueSize: queueSize,
		logger:    zap.NewNop(),
		handlers:  make(map[string][]kephasgate.Handler),
		queues:    make(map[int]chan entry),
		fanin:     make(chan entry),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.sink == nil {
		d.sink = func(err error) {
			d.logger.Error("handler failed", zap.Error(err))
		}
	}

	go d.consume()
	return d
}

// On registers handler for eventName. events.Wildcard receives every event.
func (d *Dispatcher) On(eventName string, handler kephasgate.Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[eventName] = append(d.handlers[eventName], handler)
}

// Publish enqueues event on the shard's queue, blocking while the queue is
// full. It fails with kephasgate.ErrCancelled when ctx is done first or the
// dispatcher is closed.
func (d *Dispatcher) Publish(ctx context.Context, shard int, event kephasgate.Event) error {
	if shard < 0 {
		return fmt.Errorf("%s: %d", kephasgate.ErrMsgShardOutOfRange, shard)
	}

	q, err := d.queue(shard)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("%w: %s", kephasgate.ErrCancelled, kephasgate.ErrMsgDispatcherClosed)
	}

	select {
	case q <- entry{shard: shard, event: event}:
		d.metrics.QueueDepth(shard, len(q))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: publish on shard %d: %v", kephasgate.ErrCancelled, shard, ctx.Err())
	}
}

// queue returns the shard's queue, creating it and its forwarder on first use.
func (d *Dispatcher) queue(shard int) (chan entry, error) {
	d.mu.RLock()
	q, ok := d.queues[shard]
	closed := d.closed
	d.mu.RUnlock()
	if ok {
		return q, nil
	}
	if closed {
		return nil, fmt.Errorf("%w: %s", kephasgate.ErrCancelled, kephasgate.ErrMsgDispatcherClosed)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("%w: %s", kephasgate.ErrCancelled, kephasgate.ErrMsgDispatcherClosed)
	}
	if q, ok = d.queues[shard]; ok {
		return q, nil
	}
	q = make(chan entry, d.queueSize)
	d.queues[shard] = q
	d.forwarders.Add(1)
	go d.forward(shard, q)
	return q, nil
}

// forward moves one shard's events into the fan-in channel in order.
func (d *Dispatcher) forward(shard int, q <-chan entry) {
	defer d.forwarders.Done()
	for e := range q {
		d.fanin <- e
		d.metrics.QueueDepth(shard, len(q))
	}
}

func (d *Dispatcher) consume() {
	defer close(d.done)
	for e := range d.fanin {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e entry) {
	name := e.event.EventName()
	d.metrics.Event(name)

	for _, h := range d.handlersFor(name) {
		if err := d.invoke(h, e); err != nil {
			d.metrics.HandlerError(name)
			d.sink(kephasgate.WrapShard(e.shard, fmt.Errorf("handler for %s: %w", name, err)))
		}
	}
}

func (d *Dispatcher) handlersFor(name string) []kephasgate.Handler {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	specific := d.handlers[name]
	wildcard := d.handlers[events.Wildcard]
	out := make([]kephasgate.Handler, 0, len(specific)+len(wildcard))
	out = append(out, specific...)
	return append(out, wildcard...)
}

// invoke runs one handler, turning a panic into an error.
func (d *Dispatcher) invoke(h kephasgate.Handler, e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(d.ctx, e.shard, e.event)
}

// Close stops accepting events and waits until every queued event has been
// handled. When ctx expires first, handlers still running see their context
// cancelled and Close returns kephasgate.ErrCancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
		d.mu.Unlock()

		go func() {
			d.forwarders.Wait()
			close(d.fanin)
		}()
	})

	select {
	case <-d.done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("%w: dispatcher flush: %v", kephasgate.ErrCancelled, ctx.Err())
	}
}

// Package metrics defines the Prometheus collectors shared by shards, the
// dispatcher and the rate gate.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kephasgate"

// Metrics groups every collector the library exports. All methods are safe on
// a nil receiver so components can run without instrumentation.
type Metrics struct {
	shardState       *prometheus.GaugeVec
	reconnects       *prometheus.CounterVec
	events           *prometheus.CounterVec
	handlerErrors    *prometheus.CounterVec
	sequenceGaps     *prometheus.CounterVec
	heartbeatLatency *prometheus.GaugeVec
	rateLimitWait    prometheus.Histogram
	rateLimited      *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
}

// New builds the collectors and registers them with reg. A nil reg keeps the
// collectors unregistered, which is what tests and library users without a
// metrics endpoint want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		shardState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_state",
			Help:      "Current connection state of each shard (0=disconnected ... 5=ready, 6=retired).",
		}, []string{"shard"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_reconnects_total",
			Help:      "Shard disconnects followed by a reconnect attempt, by reason.",
		}, []string{"shard", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_events_total",
			Help:      "Events delivered to handlers, by event name.",
		}, []string{"event"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error or panicked, by event name.",
		}, []string{"event"}),
		sequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Dispatch frames whose sequence number did not follow the previous one.",
		}, []string{"shard"}),
		heartbeatLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_latency_seconds",
			Help:      "Round trip of the last acknowledged heartbeat.",
		}, []string{"shard"}),
		rateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "Time REST calls spent waiting in the rate gate.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimited_total",
			Help:      "429 responses reported to the rate gate, by scope.",
		}, []string{"scope"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Events waiting in each shard's dispatch queue.",
		}, []string{"shard"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.shardState,
		m.reconnects,
		m.events,
		m.handlerErrors,
		m.sequenceGaps,
		m.heartbeatLatency,
		m.rateLimitWait,
		m.rateLimited,
		m.queueDepth,
	}
}

func shardLabel(shard int) string {
	return strconv.Itoa(shard)
}

// ShardState records the state of a shard.
func (m *Metrics) ShardState(shard int, state int) {
	if m == nil {
		return
	}
	m.shardState.WithLabelValues(shardLabel(shard)).Set(float64(state))
}

// Reconnect counts a disconnect that will be retried.
func (m *Metrics) Reconnect(shard int, reason string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(shardLabel(shard), reason).Inc()
}

// Event counts a delivered event.
func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

// HandlerError counts a failed handler invocation.
func (m *Metrics) HandlerError(name string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(name).Inc()
}

// SequenceGap counts an out-of-order dispatch frame.
func (m *Metrics) SequenceGap(shard int) {
	if m == nil {
		return
	}
	m.sequenceGaps.WithLabelValues(shardLabel(shard)).Inc()
}

// HeartbeatLatency records a heartbeat round trip.
func (m *Metrics) HeartbeatLatency(shard int, d time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.WithLabelValues(shardLabel(shard)).Set(d.Seconds())
}

// RateLimitWait records time spent in the rate gate.
func (m *Metrics) RateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.Observe(d.Seconds())
}

// RateLimited counts a 429 report. Scope is "global" or "route".
func (m *Metrics) RateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

// QueueDepth records the number of events waiting for a shard.
func (m *Metrics) QueueDepth(shard int, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(shardLabel(shard)).Set(float64(depth))
}

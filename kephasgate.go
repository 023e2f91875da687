package kephasgate

import (
	"context"
	"encoding/json"
	"time"
)

// Version is the library version.
const Version = "1.0.0"

// Event is a typed gateway event.
//
// Concrete event types live in the events package. EventName returns the
// dispatch name the gateway used for it, for example "MESSAGE_CREATE".
type Event interface {
	EventName() string
}

// Handler processes one event delivered from the given shard.
//
// Returning an error does not stop delivery; the error is forwarded to the
// gateway's error sink wrapped in a *ShardError.
type Handler func(ctx context.Context, shard int, event Event) error

// Gateway defines a sharded connection to a real-time chat gateway.
//
// Example usage:
//
//	gw, _ := gateway.New(cfg)
//	gw.On("MESSAGE_CREATE", func(ctx context.Context, shard int, ev kephasgate.Event) error {
//	    log.Printf("shard %d: %s", shard, ev.EventName())
//	    return nil
//	})
//	gw.Open(ctx)
type Gateway interface {
	// Open starts every shard and begins delivering events.
	//
	// Shards are started one identify interval apart. Open returns once all
	// shards have been scheduled, not once they are ready.
	Open(ctx context.Context) error

	// Close shuts every shard down gracefully and flushes events that were
	// already queued to their handlers.
	//
	// The context bounds the whole shutdown; when it expires connections are
	// force-closed.
	Close(ctx context.Context) error

	// On registers a handler for an event name. The name "*" receives every
	// event. Handlers may be registered before or after Open.
	On(eventName string, handler Handler)

	// Retired returns a channel that receives one RetiredEvent for every shard
	// that exhausted its reconnect budget.
	Retired() <-chan RetiredEvent

	// Shard returns the shard with the given index, or nil when the index is
	// out of range or the gateway is not open.
	Shard(index int) Shard
}

// Shard represents one gateway connection.
type Shard interface {
	// Index returns the shard index in [0, count).
	Index() int

	// State returns the current connection state.
	State() ShardState

	// Sequence returns the last sequence number received on a dispatch frame.
	Sequence() int64

	// SessionID returns the session token issued by the gateway, or "" when
	// the shard holds no resumable session.
	SessionID() string

	// Latency returns the round trip of the last acknowledged heartbeat.
	Latency() time.Duration

	// Send writes a user command (presence update, member request, ...) to
	// the shard's connection. Commands are limited per connection.
	Send(ctx context.Context, op int, payload json.RawMessage) error
}

// ShardState is the connection state of a shard.
type ShardState int

// Shard states.
const (
	StateDisconnected ShardState = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
	StateRetired
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateConnecting:    "connecting",
	StateAwaitingHello: "awaiting_hello",
	StateIdentifying:   "identifying",
	StateResuming:      "resuming",
	StateReady:         "ready",
	StateRetired:       "retired",
}

func (s ShardState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// RetiredEvent reports a shard that stopped reconnecting.
type RetiredEvent struct {
	Shard    int
	Failures int
	Err      error
	At       time.Time
}

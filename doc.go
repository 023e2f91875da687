// Package kephasgate provides a sharded client for real-time chat gateways.
//
// A gateway streams JSON-encoded events over one or more persistent WebSocket
// connections ("shards"). This library owns the connection lifecycle of every
// shard, decodes inbound frames into typed events, delivers them to
// application handlers in order, and gates outbound REST calls through
// per-route and global rate-limit buckets.
//
// # Architecture
//
// The library is built from a handful of cooperating parts:
//
//   - Shard sessions own one WebSocket each and run the handshake, heartbeat
//     and resume state machine.
//   - The shard manager starts sessions staggered by the identify interval and
//     reports shards that exhaust their failure budget.
//   - The dispatcher fans events from all shards into a single consumer that
//     invokes handlers, so a slow handler never stalls a socket read.
//   - The rate gate tracks one token bucket per REST route plus a global one.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephasgate"
//	    "github.com/luciancaetano/kephasgate/events"
//	    "github.com/luciancaetano/kephasgate/gateway"
//	)
//
//	cfg := gateway.DefaultConfig()
//	cfg.Token = os.Getenv("BOT_TOKEN")
//
//	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//
//	gw.On(events.NameMessageCreate, func(ctx context.Context, shard int, ev kephasgate.Event) error {
//	    msg := ev.(*events.MessageCreate)
//	    if msg.Content == "!ping" {
//	        _, err := gw.REST().CreateMessage(ctx, msg.ChannelID, "pong")
//	        return err
//	    }
//	    return nil
//	})
//
//	if err := gw.Open(ctx); err != nil {
//	    return err
//	}
//	defer gw.Close(context.Background())
//
// # Protocol Format
//
// Every frame is a JSON object:
//
//	{"op": 0, "s": 42, "t": "MESSAGE_CREATE", "d": {...}}
//
// The sequence number and event name are only present on dispatch frames
// (op 0). Heartbeats carry the last sequence seen, or null.
//
// # Sessions and Resume
//
// After a drop the session reconnects with exponential backoff and, when it
// still holds a session id and sequence number, resumes instead of identifying
// again so the gateway replays missed events. An invalid-session frame clears
// the stored session unless it explicitly says the session is resumable.
//
// # Rate Limiting
//
// REST calls acquire a token from their route bucket and the global bucket
// before they are sent. A 429 response zeroes the affected bucket until the
// gateway's retry-after elapses:
//
//	// Blocks until both buckets admit or the deadline elapses.
//	err := gate.Acquire(ctx, "POST /channels/123/messages")
//	if errors.Is(err, kephasgate.ErrRateLimitTimeout) {
//	    // caller decides whether to retry
//	}
//
// Gateway control frames (heartbeat, identify, resume) are not REST calls and
// bypass the gate.
//
// # Important
//
//   - Handlers run on the dispatcher goroutine, one at a time. Do slow work
//     elsewhere.
//   - Events from one shard are delivered in the order the gateway sent them;
//     events from different shards interleave arbitrarily.
//   - Handler errors and panics are reported to the error sink and never stop
//     delivery.
package kephasgate

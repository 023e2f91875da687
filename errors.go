package kephasgate

import (
	"errors"
	"fmt"
)

// Error taxonomy. Use errors.Is to classify errors returned by the library.
var (
	// ErrTransport covers connection drops, DNS and TLS failures. Sessions
	// recover from it by reconnecting.
	ErrTransport = errors.New("transport error")

	// ErrProtocol is a malformed frame or an opcode unexpected in the current
	// state.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidSession means the gateway rejected an identify or resume.
	ErrInvalidSession = errors.New("invalid session")

	// ErrHandshakeTimeout means hello or the first dispatch did not arrive in
	// time. It is a transport error.
	ErrHandshakeTimeout = fmt.Errorf("handshake timeout: %w", ErrTransport)

	// ErrZombieConnection means heartbeats went unacknowledged past the miss
	// tolerance. It is a transport error.
	ErrZombieConnection = fmt.Errorf("zombie connection: %w", ErrTransport)

	// ErrReconnectRequested means the gateway asked the shard to reconnect.
	ErrReconnectRequested = errors.New("reconnect requested")

	// ErrRateLimitTimeout means a rate gate wait outlived its deadline.
	ErrRateLimitTimeout = errors.New("rate limit timeout")

	// ErrRateLimited is returned for a 429 response.
	ErrRateLimited = errors.New("rate limited")

	// ErrRetired means a shard exhausted its reconnect budget.
	ErrRetired = errors.New("shard retired")

	// ErrCancelled means the operation was abandoned because of shutdown or
	// context cancellation.
	ErrCancelled = errors.New("cancelled")
)

// ShardError attaches the originating shard index to an error.
type ShardError struct {
	Shard int
	Err   error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %d: %v", e.Shard, e.Err)
}

func (e *ShardError) Unwrap() error {
	return e.Err
}

// WrapShard returns err annotated with a shard index. It returns nil for a nil
// error and leaves errors that already carry a shard index untouched.
func WrapShard(shard int, err error) error {
	if err == nil {
		return nil
	}
	var se *ShardError
	if errors.As(err, &se) {
		return err
	}
	return &ShardError{Shard: shard, Err: err}
}

// ShardOf returns the shard index carried by err, if any.
func ShardOf(err error) (int, bool) {
	var se *ShardError
	if errors.As(err, &se) {
		return se.Shard, true
	}
	return 0, false
}

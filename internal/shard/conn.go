package shard

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// closeCodeResumable closes a connection without invalidating the session.
// Close codes 1000 and 1001 tell the gateway the session is over.
const closeCodeResumable = 4900

// Dialer opens gateway connections. *websocket.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// CommandRateLimit defines the per-connection limit on user commands
type CommandRateLimit struct {
	// PerSecond defines how many commands a connection may send per second
	PerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if command limiting is active
	Enabled bool
}

// DefaultCommandRateLimit returns the default command limit: 110 commands per
// minute. The gateway allows 120 frames per minute and heartbeats use the rest.
func DefaultCommandRateLimit() *CommandRateLimit {
	return &CommandRateLimit{
		PerSecond: rate.Limit(110.0 / 60),
		Burst:     110,
		Enabled:   true,
	}
}

// NoCommandRateLimit returns a configuration with command limiting disabled
func NoCommandRateLimit() *CommandRateLimit {
	return &CommandRateLimit{
		Enabled: false,
	}
}

// conn is one physical gateway connection. All writes go through a single
// write pump; reads happen only on the session's read loop.
type conn struct {
	id      string
	ws      *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	sendCh  chan []byte
	mu      sync.RWMutex
	closing bool
	closed  bool
	limiter *rate.Limiter // Rate limiter for outbound user commands
	grace   *time.Timer
}

func newConn(ws *websocket.Conn, limit *CommandRateLimit) *conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if limit != nil && limit.Enabled {
		limiter = rate.NewLimiter(limit.PerSecond, limit.Burst)
	}

	c := &conn{
		id:      uuid.New().String(),
		ws:      ws,
		ctx:     ctx,
		cancel:  cancel,
		sendCh:  make(chan []byte, sendBuffer),
		limiter: limiter,
	}

	go c.writePump()

	return c
}

// send queues a frame for the write pump.
func (c *conn) send(ctx context.Context, frame []byte) error {
	c.mu.RLock()
	if c.closed || c.closing {
		c.mu.RUnlock()
		return fmt.Errorf("%w: %s", kephasgate.ErrTransport, kephasgate.ErrMsgConnectionClosed)
	}

	// Keep the lock while sending to prevent race with forceClose()
	select {
	case c.sendCh <- frame:
		c.mu.RUnlock()
		return nil
	case <-ctx.Done():
		c.mu.RUnlock()
		return fmt.Errorf("%w: %v", kephasgate.ErrCancelled, ctx.Err())
	case <-c.ctx.Done():
		c.mu.RUnlock()
		return fmt.Errorf("%w: %s", kephasgate.ErrTransport, kephasgate.ErrMsgConnectionClosed)
	}
}

// sendCommand waits for the command limiter before queueing frame.
func (c *conn) sendCommand(ctx context.Context, frame []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: command limiter: %v", kephasgate.ErrCancelled, err)
		}
	}
	return c.send(ctx, frame)
}

func (c *conn) read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *conn) setReadDeadline(t time.Time) {
	c.ws.SetReadDeadline(t)
}

// beginClose sends a close frame and force-closes the connection if the peer
// has not completed the close handshake within grace. The read loop sees the
// peer's close frame as a read error.
func (c *conn) beginClose(code int, reason string, grace time.Duration) {
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if grace > 0 {
		c.grace = time.AfterFunc(grace, func() { c.forceClose() })
	}
	c.mu.Unlock()

	message := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}

// closeNow sends a close frame and tears the connection down without
// waiting for the peer.
func (c *conn) closeNow(code int, reason string) {
	c.beginClose(code, reason, 0)
	c.forceClose()
}

// forceClose tears the connection down immediately.
func (c *conn) forceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	if c.grace != nil {
		c.grace.Stop()
	}
	close(c.sendCh)
	c.ws.Close()
}

func (c *conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// writePump pumps frames from the send channel to the websocket connection
func (c *conn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Package shard runs gateway connections: one Session per shard index and a
// Manager that starts them staggered and shuts them down together.
package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/events"
	"github.com/luciancaetano/kephasgate/internal/heartbeat"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

// Publisher receives decoded events. *dispatch.Dispatcher implements it.
type Publisher interface {
	Publish(ctx context.Context, shard int, event kephasgate.Event) error
}

// IdentifyLimiter spaces identify frames across all sessions.
// *rate.Limiter implements it.
type IdentifyLimiter interface {
	Wait(ctx context.Context) error
}

// Config defines the behaviour of a session.
type Config struct {
	Token          string
	URL            string
	Count          int
	Intents        int
	Properties     protocol.IdentifyProperties
	LargeThreshold int

	// HandshakeTimeout bounds dialing, the wait for hello and the wait for
	// the first dispatch after identify or resume.
	HandshakeTimeout time.Duration
	// Backoff spaces reconnect attempts.
	Backoff Backoff
	// MaxFailures is the number of consecutive failed connections tolerated
	// before the shard is retired.
	MaxFailures int
	// HeartbeatMissTolerance is the number of unacknowledged heartbeats
	// allowed before the connection is treated as a zombie.
	HeartbeatMissTolerance int
	// CloseGrace is how long a graceful close waits for the peer.
	CloseGrace time.Duration
	// CommandRateLimit limits user commands per connection.
	CommandRateLimit *CommandRateLimit
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		URL:                    "wss://gateway.discord.gg/?v=10&encoding=json",
		Count:                  1,
		Intents:                kephasgate.IntentsDefault,
		Properties:             protocol.IdentifyProperties{OS: "linux", Browser: "kephasgate", Device: "kephasgate"},
		HandshakeTimeout:       10 * time.Second,
		Backoff:                Backoff{Base: time.Second, Max: 2 * time.Minute},
		MaxFailures:            10,
		HeartbeatMissTolerance: 1,
		CloseGrace:             5 * time.Second,
		CommandRateLimit:       DefaultCommandRateLimit(),
	}
}

type options struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	dialer   Dialer
	identify IdentifyLimiter
	onState  func(shard int, from, to kephasgate.ShardState)
	jitter   func() float64
}

// Option configures a Session or a Manager.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithIdentifyLimiter sets the limiter every identify waits on.
func WithIdentifyLimiter(l IdentifyLimiter) Option {
	return func(o *options) { o.identify = l }
}

// WithStateHook registers a function called after every state change.
func WithStateHook(fn func(shard int, from, to kephasgate.ShardState)) Option {
	return func(o *options) { o.onState = fn }
}

// WithJitter replaces the random source used for heartbeat and backoff jitter.
func WithJitter(fn func() float64) Option {
	return func(o *options) { o.jitter = fn }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		dialer: websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Session owns one shard's connection and runs its state machine.
type Session struct {
	index  int
	cfg    Config
	pub    Publisher
	opts   options
	logger *zap.Logger
	timer  *heartbeat.Timer

	mu         sync.Mutex
	state      kephasgate.ShardState
	seq        int64
	sessionID  string
	resumeURL  string
	failures   int
	missedAcks int
	lastBeat   time.Time
	latency    time.Duration
	conn       *conn
}

// NewSession creates a disconnected session for shard index.
func NewSession(index int, cfg Config, pub Publisher, opts ...Option) *Session {
	o := buildOptions(opts)
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.Backoff.Jitter == nil {
		cfg.Backoff.Jitter = o.jitter
	}
	return &Session{
		index:  index,
		cfg:    cfg,
		pub:    pub,
		opts:   o,
		logger: o.logger.With(zap.Int("shard", index)),
		timer:  heartbeat.New(o.jitter),
		state:  kephasgate.StateDisconnected,
	}
}

// Index returns the shard index.
func (s *Session) Index() int { return s.index }

// State returns the current state.
func (s *Session) State() kephasgate.ShardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sequence returns the last sequence number seen.
func (s *Session) Sequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SessionID returns the resumable session token, if any.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Latency returns the last heartbeat round trip.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Failures returns the number of consecutive failed connections.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Send writes a user command to the current connection.
func (s *Session) Send(ctx context.Context, op int, payload json.RawMessage) error {
	code := protocol.Opcode(op)
	if !code.UserCommand() {
		return kephasgate.WrapShard(s.index, fmt.Errorf("%w: %s is not a user command", kephasgate.ErrProtocol, code))
	}
	frame, err := protocol.Encode(code, payload)
	if err != nil {
		return kephasgate.WrapShard(s.index, fmt.Errorf("%w: %v", kephasgate.ErrProtocol, err))
	}

	s.mu.Lock()
	c, state := s.conn, s.state
	s.mu.Unlock()
	if c == nil || c.isClosed() || state != kephasgate.StateReady {
		return kephasgate.WrapShard(s.index, fmt.Errorf("%w: shard is %s", kephasgate.ErrTransport, state))
	}
	return kephasgate.WrapShard(s.index, c.sendCommand(ctx, frame))
}

// Run connects and keeps the shard connected until ctx is done or the shard
// is retired. It returns nil after a shutdown and an error wrapping
// kephasgate.ErrRetired after retirement.
func (s *Session) Run(ctx context.Context) error {
	if s.State() == kephasgate.StateRetired {
		return kephasgate.WrapShard(s.index, kephasgate.ErrRetired)
	}

	for {
		err := s.connect(ctx)
		if ctx.Err() != nil {
			s.transition(trDrop)
			s.logger.Info("shard stopped")
			return nil
		}

		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.mu.Unlock()
		s.transition(trDrop)

		var ce *websocket.CloseError
		if errors.As(err, &ce) && kephasgate.FatalCloseCode(ce.Code) {
			s.logger.Error("gateway closed with a fatal code", zap.Int("code", ce.Code), zap.Error(err))
			return s.retire(err)
		}
		if failures > s.cfg.MaxFailures {
			s.logger.Error("shard exhausted its reconnect budget", zap.Int("failures", failures), zap.Error(err))
			return s.retire(err)
		}

		delay := s.cfg.Backoff.Delay(failures)
		reason := disconnectReason(err)
		s.opts.metrics.Reconnect(s.index, reason)
		s.logger.Warn("shard disconnected",
			zap.String("reason", reason),
			zap.Int("failures", failures),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info("shard stopped")
			return nil
		case <-t.C:
		}
	}
}

func (s *Session) retire(cause error) error {
	s.transition(trRetire)
	return kephasgate.WrapShard(s.index, fmt.Errorf("%w: %w", kephasgate.ErrRetired, cause))
}

// forceClose drops the current connection without a close handshake.
func (s *Session) forceClose() {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		c.forceClose()
	}
}

func (s *Session) transition(t trigger) {
	s.mu.Lock()
	from := s.state
	to, err := next(from, t)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("invalid state transition", zap.Error(err))
		return
	}
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	s.opts.metrics.ShardState(s.index, int(to))
	s.logger.Debug("shard state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if s.opts.onState != nil {
		s.opts.onState(s.index, from, to)
	}
}

// connect runs one connection from dial to drop. It always returns a non-nil
// error describing why the connection ended.
func (s *Session) connect(ctx context.Context) error {
	s.transition(trDial)

	target, err := s.gatewayURL()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	ws, _, err := s.opts.dialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", kephasgate.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: dial: %v", kephasgate.ErrTransport, err)
	}

	c := newConn(ws, s.cfg.CommandRateLimit)
	logger := s.logger.With(zap.String("conn_id", c.id))
	s.mu.Lock()
	s.conn = c
	s.missedAcks = 0
	s.mu.Unlock()

	connCtx, cancelConn := context.WithCancelCause(ctx)
	stopClose := context.AfterFunc(ctx, func() {
		c.beginClose(websocket.CloseNormalClosure, "shutdown", s.cfg.CloseGrace)
	})

	s.transition(trConnected)
	logger.Debug("connected", zap.String("url", target))

	var wg sync.WaitGroup
	err = s.serve(connCtx, cancelConn, c, logger, &wg)

	stopClose()
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, kephasgate.ErrZombieConnection):
		c.forceClose()
	default:
		c.closeNow(closeCodeResumable, "reconnecting")
	}
	cancelConn(nil)
	c.forceClose()
	wg.Wait()
	s.timer.Stop()

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	return err
}

// serve performs the handshake and runs the read loop. The heartbeat duty is
// started on wg once hello arrives.
func (s *Session) serve(ctx context.Context, cancel context.CancelCauseFunc, c *conn, logger *zap.Logger, wg *sync.WaitGroup) error {
	c.setReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	hello, err := s.readHello(ctx, c)
	if err != nil {
		return err
	}

	s.timer.Start(hello.Interval())
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(ctx, cancel, c, logger)
	}()

	if err := s.handshake(ctx, c, logger); err != nil {
		return err
	}
	c.setReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	return s.readLoop(ctx, c, logger)
}

func (s *Session) readHello(ctx context.Context, c *conn) (protocol.Hello, error) {
	data, err := c.read()
	if err != nil {
		return protocol.Hello{}, s.readError(ctx, err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return protocol.Hello{}, err
	}
	return protocol.DecodeHello(env)
}

// handshake sends resume when a resumable session is held and identify
// otherwise.
func (s *Session) handshake(ctx context.Context, c *conn, logger *zap.Logger) error {
	s.mu.Lock()
	sessionID, seq := s.sessionID, s.seq
	s.mu.Unlock()

	if sessionID != "" && seq > 0 {
		s.transition(trResume)
		frame, err := protocol.Encode(protocol.OpResume, protocol.Resume{
			Token:     s.cfg.Token,
			SessionID: sessionID,
			Seq:       seq,
		})
		if err != nil {
			return err
		}
		logger.Info("resuming session", zap.String("session_id", sessionID), zap.Int64("seq", seq))
		return c.send(ctx, frame)
	}

	s.clearSession()
	s.transition(trIdentify)
	if s.opts.identify != nil {
		if err := s.opts.identify.Wait(ctx); err != nil {
			return fmt.Errorf("%w: identify limiter: %v", kephasgate.ErrCancelled, err)
		}
	}
	frame, err := protocol.Encode(protocol.OpIdentify, protocol.Identify{
		Token:          s.cfg.Token,
		Properties:     s.cfg.Properties,
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          [2]int{s.index, s.cfg.Count},
		Intents:        s.cfg.Intents,
	})
	if err != nil {
		return err
	}
	logger.Info("identifying", zap.Int("count", s.cfg.Count))
	return c.send(ctx, frame)
}

func (s *Session) readLoop(ctx context.Context, c *conn, logger *zap.Logger) error {
	for {
		data, err := c.read()
		if err != nil {
			return s.readError(ctx, err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch env.Op {
		case protocol.OpDispatch:
			if err := s.handleDispatch(ctx, c, env, logger); err != nil {
				return err
			}

		case protocol.OpHeartbeat:
			s.sendHeartbeat(ctx, c, logger)

		case protocol.OpHeartbeatAck:
			s.ack()

		case protocol.OpReconnect:
			return kephasgate.ErrReconnectRequested

		case protocol.OpInvalidSession:
			resumable := protocol.Resumable(env)
			if !resumable {
				s.clearSession()
			}
			logger.Warn("session invalidated", zap.Bool("resumable", resumable))
			return kephasgate.ErrInvalidSession

		default:
			logger.Debug("ignoring frame", zap.Stringer("op", env.Op))
		}
	}
}

func (s *Session) handleDispatch(ctx context.Context, c *conn, env *protocol.Envelope, logger *zap.Logger) error {
	s.mu.Lock()
	prev := s.seq
	state := s.state
	s.mu.Unlock()

	if prev > 0 && env.Seq != prev+1 {
		s.opts.metrics.SequenceGap(s.index)
		logger.Warn("sequence gap", zap.Int64("expected", prev+1), zap.Int64("got", env.Seq), zap.String("event", env.Type))
	}

	ev, err := events.Decode(env.Type, env.Data)
	if err != nil {
		logger.Warn("dropping undecodable event", zap.String("event", env.Type), zap.Error(err))
		s.advanceSeq(env.Seq)
		return nil
	}
	if ready, ok := ev.(*events.Ready); ok {
		s.mu.Lock()
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeGatewayURL
		s.mu.Unlock()
	}

	if state == kephasgate.StateIdentifying || state == kephasgate.StateResuming {
		c.setReadDeadline(time.Time{})
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		s.transition(trAck)
		logger.Info("shard ready", zap.String("event", env.Type))
	}

	// The sequence only counts events the dispatcher accepted, so a resume
	// replays anything that failed to publish.
	if err := s.pub.Publish(ctx, s.index, ev); err != nil {
		return err
	}
	s.advanceSeq(env.Seq)
	return nil
}

func (s *Session) advanceSeq(seq int64) {
	s.mu.Lock()
	if seq > s.seq {
		s.seq = seq
	}
	s.mu.Unlock()
}

func (s *Session) heartbeatLoop(ctx context.Context, cancel context.CancelCauseFunc, c *conn, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.timer.C():
		}

		s.mu.Lock()
		missed := s.missedAcks
		s.mu.Unlock()
		if missed > s.cfg.HeartbeatMissTolerance {
			logger.Warn("zombie connection", zap.Int("missed_acks", missed))
			cancel(kephasgate.ErrZombieConnection)
			c.forceClose()
			return
		}
		s.sendHeartbeat(ctx, c, logger)
	}
}

func (s *Session) sendHeartbeat(ctx context.Context, c *conn, logger *zap.Logger) {
	s.mu.Lock()
	seq := s.seq
	s.missedAcks++
	s.lastBeat = time.Now()
	s.mu.Unlock()

	frame, err := protocol.Encode(protocol.OpHeartbeat, protocol.HeartbeatData(seq))
	if err != nil {
		logger.Error("encode heartbeat", zap.Error(err))
		return
	}
	if err := c.send(ctx, frame); err != nil {
		logger.Debug("heartbeat not sent", zap.Error(err))
	}
}

func (s *Session) ack() {
	s.mu.Lock()
	s.missedAcks = 0
	var latency time.Duration
	if !s.lastBeat.IsZero() {
		latency = time.Since(s.lastBeat)
		s.latency = latency
	}
	s.mu.Unlock()
	s.opts.metrics.HeartbeatLatency(s.index, latency)
}

func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.seq = 0
	s.mu.Unlock()
}

func (s *Session) handshaking() bool {
	switch s.State() {
	case kephasgate.StateAwaitingHello, kephasgate.StateIdentifying, kephasgate.StateResuming:
		return true
	}
	return false
}

// readError classifies a failed read.
func (s *Session) readError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case kephasgate.CloseInvalidSeq, kephasgate.CloseSessionTimedOut:
			s.clearSession()
		}
		return fmt.Errorf("%w: %w", kephasgate.ErrTransport, err)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() && s.handshaking() {
		return fmt.Errorf("%w: %v", kephasgate.ErrHandshakeTimeout, err)
	}
	return fmt.Errorf("%w: %v", kephasgate.ErrTransport, err)
}

// gatewayURL picks the resume URL when a resumable session is held. The
// resume URL inherits the configured query string.
func (s *Session) gatewayURL() (string, error) {
	s.mu.Lock()
	resumeURL := s.resumeURL
	resumable := s.sessionID != "" && s.seq > 0
	s.mu.Unlock()

	base, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: gateway url: %v", kephasgate.ErrTransport, err)
	}
	if !resumable || resumeURL == "" {
		return base.String(), nil
	}

	resume, err := url.Parse(resumeURL)
	if err != nil || resume.Host == "" {
		s.logger.Warn("ignoring bad resume url", zap.String("url", resumeURL))
		return base.String(), nil
	}
	if resume.Path == "" {
		resume.Path = base.Path
	}
	if resume.RawQuery == "" {
		resume.RawQuery = base.RawQuery
	}
	return resume.String(), nil
}

func disconnectReason(err error) string {
	switch {
	case errors.Is(err, kephasgate.ErrZombieConnection):
		return "zombie"
	case errors.Is(err, kephasgate.ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, kephasgate.ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, kephasgate.ErrReconnectRequested):
		return "reconnect"
	case errors.Is(err, kephasgate.ErrProtocol):
		return "protocol"
	default:
		return "transport"
	}
}

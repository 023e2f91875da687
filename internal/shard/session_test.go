package shard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/events"
	"github.com/luciancaetano/kephasgate/internal/gatewaytest"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 3 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []kephasgate.Event
}

func (r *recorder) Publish(ctx context.Context, shard int, ev kephasgate.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.EventName()
	}
	return names
}

func noJitter() float64 { return 0 }

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.Token = "secret"
	cfg.URL = url
	cfg.HandshakeTimeout = time.Second
	cfg.Backoff = Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	cfg.MaxFailures = 5
	cfg.CloseGrace = 200 * time.Millisecond
	return cfg
}

// startSession runs s until the test ends and returns the channel Run's
// result is delivered on.
func startSession(t *testing.T, s *Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("session did not stop")
		}
	})
	return cancel, result
}

// nextHandshake returns the first identify or resume frame on conn.
func nextHandshake(t *testing.T, conn *gatewaytest.Conn) gatewaytest.Frame {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		f, err := conn.Next(time.Until(deadline))
		require.NoError(t, err)
		if f.Op == gatewaytest.OpIdentify || f.Op == gatewaytest.OpResume {
			return f
		}
	}
	t.Fatal("no handshake frame")
	return gatewaytest.Frame{}
}

func waitState(t *testing.T, s *Session, want kephasgate.ShardState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, waitFor, 5*time.Millisecond,
		"shard never reached %s, last state %s", want, s.State())
}

func newServer(t *testing.T, heartbeat time.Duration) *gatewaytest.Server {
	t.Helper()
	srv := gatewaytest.New(heartbeat)
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionIdentifyThenReady(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	rec := &recorder{}
	s := NewSession(0, testConfig(srv.URL()), rec, WithJitter(noJitter))
	startSession(t, s)

	conn, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	f, err := conn.WaitOp(gatewaytest.OpIdentify, waitFor)
	require.NoError(t, err)

	var id gatewaytest.Identify
	require.NoError(t, json.Unmarshal(f.Data, &id))
	assert.Equal(t, "secret", id.Token)
	assert.Equal(t, [2]int{0, 1}, id.Shard)
	assert.Equal(t, kephasgate.IntentsDefault, id.Intents)

	waitState(t, s, kephasgate.StateReady)
	assert.Equal(t, conn.Session(), s.SessionID())
	assert.Equal(t, int64(1), s.Sequence())
	assert.Zero(t, s.Failures())
	require.Eventually(t, func() bool { return len(rec.names()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{events.NameReady}, rec.names())
}

func TestSessionSequenceTracking(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	srv := newServer(t, time.Hour)
	rec := &recorder{}
	s := NewSession(0, testConfig(srv.URL()), rec, WithJitter(noJitter), WithMetrics(m))
	startSession(t, s)

	conn, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)

	msg := map[string]any{"id": "10", "channel_id": "20", "content": "hi", "author": map[string]any{"id": "30"}}
	for i := 0; i < 3; i++ {
		_, err := conn.Dispatch(events.NameMessageCreate, msg)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return s.Sequence() == 4 }, waitFor, 5*time.Millisecond)

	// A gap is logged and counted; the sequence follows the frame.
	require.NoError(t, conn.DispatchSeq(10, events.NameMessageCreate, msg))
	require.Eventually(t, func() bool { return s.Sequence() == 10 }, waitFor, 5*time.Millisecond)

	// A stale frame never moves the sequence backwards.
	require.NoError(t, conn.DispatchSeq(7, events.NameTypingStart, map[string]any{"channel_id": "20"}))
	require.Eventually(t, func() bool { return len(rec.names()) == 6 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int64(10), s.Sequence())
	assert.Equal(t, events.NameTypingStart, rec.names()[5])

	expected := `
# HELP kephasgate_sequence_gaps_total Dispatch frames whose sequence number did not follow the previous one.
# TYPE kephasgate_sequence_gaps_total counter
kephasgate_sequence_gaps_total{shard="0"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "kephasgate_sequence_gaps_total"))
}

func TestSessionDropsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	rec := &recorder{}
	s := NewSession(0, testConfig(srv.URL()), rec, WithJitter(noJitter))
	startSession(t, s)

	conn, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)

	require.NoError(t, conn.SendRaw([]byte("{not json")))
	require.NoError(t, conn.SendRaw([]byte(`{"op":42,"d":null}`)))
	_, err = conn.Dispatch("SOMETHING_NEW", map[string]any{"x": 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.names()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "SOMETHING_NEW", rec.names()[1])
	assert.Equal(t, kephasgate.StateReady, s.State())
	assert.Zero(t, s.Failures())
}

func TestSessionResumesAfterDrop(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	s := NewSession(0, testConfig(srv.URL()), &recorder{}, WithJitter(noJitter))
	startSession(t, s)

	first, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)
	_, err = first.Dispatch(events.NameGuildDelete, map[string]any{"id": "1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Sequence() == 2 }, waitFor, 5*time.Millisecond)
	sessionID := s.SessionID()

	first.Drop()

	second, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	f, err := second.WaitOp(gatewaytest.OpResume, waitFor)
	require.NoError(t, err)

	var r gatewaytest.Resume
	require.NoError(t, json.Unmarshal(f.Data, &r))
	assert.Equal(t, sessionID, r.SessionID)
	assert.Equal(t, int64(2), r.Seq)
	assert.Equal(t, "secret", r.Token)

	waitState(t, s, kephasgate.StateReady)
	assert.Len(t, srv.Identifies(), 1)
	assert.Equal(t, sessionID, s.SessionID())
}

// Two heartbeats without an ack mark the connection as a zombie; the
// session reconnects and resumes.
func TestSessionZombieConnectionResumes(t *testing.T) {
	t.Parallel()

	srv := newServer(t, 50*time.Millisecond)
	srv.SetAckHeartbeats(false)

	var mu sync.Mutex
	var drops int
	hook := func(shard int, from, to kephasgate.ShardState) {
		if to == kephasgate.StateDisconnected {
			mu.Lock()
			drops++
			mu.Unlock()
		}
	}
	s := NewSession(0, testConfig(srv.URL()), &recorder{}, WithJitter(noJitter), WithStateHook(hook))
	startSession(t, s)

	first, err := srv.NextConn(waitFor)
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("zombie connection was not closed")
	}
	srv.SetAckHeartbeats(true)

	var heartbeats int
	for {
		f, err := first.Next(10 * time.Millisecond)
		if err != nil {
			break
		}
		if f.Op == gatewaytest.OpHeartbeat {
			heartbeats++
		}
	}
	assert.Equal(t, 2, heartbeats)

	second, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	_, err = second.WaitOp(gatewaytest.OpResume, waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)

	mu.Lock()
	assert.Equal(t, 1, drops)
	mu.Unlock()
}

// stallingPublisher never accepts the named event while stall is set.
type stallingPublisher struct {
	recorder
	name  string
	stall atomic.Bool
}

func (p *stallingPublisher) Publish(ctx context.Context, shard int, ev kephasgate.Event) error {
	if p.stall.Load() && ev.EventName() == p.name {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.recorder.Publish(ctx, shard, ev)
}

// An event the dispatcher never accepted is not counted, so the resume asks
// the server to replay it.
func TestSessionResumeReplaysUnpublishedEvent(t *testing.T) {
	t.Parallel()

	srv := newServer(t, 50*time.Millisecond)
	pub := &stallingPublisher{name: events.NameGuildDelete}
	pub.stall.Store(true)
	s := NewSession(0, testConfig(srv.URL()), pub, WithJitter(noJitter))
	startSession(t, s)

	first, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)
	require.Equal(t, int64(1), s.Sequence())

	srv.SetAckHeartbeats(false)
	_, err = first.Dispatch(events.NameGuildDelete, map[string]any{"id": "1"})
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("stalled connection was not closed")
	}
	pub.stall.Store(false)
	srv.SetAckHeartbeats(true)

	second, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	f, err := second.WaitOp(gatewaytest.OpResume, waitFor)
	require.NoError(t, err)

	var r gatewaytest.Resume
	require.NoError(t, json.Unmarshal(f.Data, &r))
	assert.Equal(t, int64(1), r.Seq)
	assert.NotContains(t, pub.names(), events.NameGuildDelete)
}

func TestSessionInvalidSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		payload    any
		wantResume bool
	}{
		{"resumable", true, true},
		{"not resumable", false, false},
		{"null flag", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newServer(t, time.Hour)
			s := NewSession(0, testConfig(srv.URL()), &recorder{}, WithJitter(noJitter))
			startSession(t, s)

			first, err := srv.NextConn(waitFor)
			require.NoError(t, err)
			waitState(t, s, kephasgate.StateReady)
			sessionID := s.SessionID()

			require.NoError(t, first.Send(gatewaytest.OpInvalidSession, tt.payload))

			second, err := srv.NextConn(waitFor)
			require.NoError(t, err)
			f := nextHandshake(t, second)

			if tt.wantResume {
				assert.Equal(t, gatewaytest.OpResume, f.Op)
				waitState(t, s, kephasgate.StateReady)
				assert.Equal(t, sessionID, s.SessionID())
				assert.Len(t, srv.Identifies(), 1)
				return
			}
			assert.Equal(t, gatewaytest.OpIdentify, f.Op)
			waitState(t, s, kephasgate.StateReady)
			assert.NotEqual(t, sessionID, s.SessionID())
			assert.Len(t, srv.Identifies(), 2)
			assert.Empty(t, srv.Resumes())
		})
	}
}

func TestSessionRejectedResumeFallsBackToIdentify(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	s := NewSession(0, testConfig(srv.URL()), &recorder{}, WithJitter(noJitter))
	startSession(t, s)

	first, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)

	srv.InvalidateSessions()
	first.Drop()

	_, err = srv.NextConn(waitFor)
	require.NoError(t, err)
	third, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	_, err = third.WaitOp(gatewaytest.OpIdentify, waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)
	assert.Len(t, srv.Resumes(), 1)
	assert.Len(t, srv.Identifies(), 2)
}

func TestSessionReconnectRequested(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	s := NewSession(0, testConfig(srv.URL()), &recorder{}, WithJitter(noJitter))
	startSession(t, s)

	first, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)

	require.NoError(t, first.Send(gatewaytest.OpReconnect, nil))

	second, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	_, err = second.WaitOp(gatewaytest.OpResume, waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)
}

func TestSessionAnswersHeartbeatRequest(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	s := NewSession(0, testConfig(srv.URL()), &recorder{}, WithJitter(func() float64 { return 0.5 }))
	startSession(t, s)

	conn, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)

	require.NoError(t, conn.Send(gatewaytest.OpHeartbeat, nil))
	f, err := conn.WaitOp(gatewaytest.OpHeartbeat, waitFor)
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(f.Data))

	require.Eventually(t, func() bool { return s.Latency() > 0 }, waitFor, 5*time.Millisecond)
}

func TestSessionHandshakeTimeoutRetires(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	srv.SetSendHello(false)

	cfg := testConfig(srv.URL())
	cfg.HandshakeTimeout = 50 * time.Millisecond
	cfg.MaxFailures = 1
	s := NewSession(3, cfg, &recorder{}, WithJitter(noJitter))
	_, result := startSession(t, s)

	var err error
	select {
	case err = <-result:
	case <-time.After(waitFor):
		t.Fatal("session did not retire")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, kephasgate.ErrRetired)
	assert.ErrorIs(t, err, kephasgate.ErrHandshakeTimeout)
	assert.ErrorIs(t, err, kephasgate.ErrTransport)
	shard, ok := kephasgate.ShardOf(err)
	assert.True(t, ok)
	assert.Equal(t, 3, shard)
	assert.Equal(t, kephasgate.StateRetired, s.State())
	assert.Equal(t, 2, s.Failures())

	// A retired session does not run again.
	assert.ErrorIs(t, s.Run(context.Background()), kephasgate.ErrRetired)
}

func TestSessionFatalCloseCodeRetires(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	srv.SetAnswerHandshake(false)
	s := NewSession(0, testConfig(srv.URL()), &recorder{}, WithJitter(noJitter))
	_, result := startSession(t, s)

	conn, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	_, err = conn.WaitOp(gatewaytest.OpIdentify, waitFor)
	require.NoError(t, err)
	conn.CloseWithCode(kephasgate.CloseAuthenticationFailed, "authentication failed")

	select {
	case err = <-result:
	case <-time.After(waitFor):
		t.Fatal("session did not retire")
	}
	assert.ErrorIs(t, err, kephasgate.ErrRetired)
	assert.Equal(t, kephasgate.StateRetired, s.State())
	assert.Equal(t, 1, s.Failures())
}

func TestSessionSend(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	s := NewSession(0, testConfig(srv.URL()), &recorder{}, WithJitter(noJitter))

	err := s.Send(context.Background(), int(protocol.OpPresenceUpdate), json.RawMessage(`{"status":"idle"}`))
	assert.ErrorIs(t, err, kephasgate.ErrTransport, "send before connect")

	startSession(t, s)
	conn, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)

	require.NoError(t, s.Send(context.Background(), int(protocol.OpPresenceUpdate), json.RawMessage(`{"status":"idle"}`)))
	f, err := conn.WaitOp(int(protocol.OpPresenceUpdate), waitFor)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"idle"}`, string(f.Data))

	err = s.Send(context.Background(), int(protocol.OpIdentify), nil)
	assert.ErrorIs(t, err, kephasgate.ErrProtocol)
	shard, ok := kephasgate.ShardOf(err)
	assert.True(t, ok)
	assert.Equal(t, 0, shard)
}

func TestSessionSendIsRateLimited(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	cfg := testConfig(srv.URL())
	cfg.CommandRateLimit = &CommandRateLimit{PerSecond: rate.Every(time.Hour), Burst: 1, Enabled: true}
	s := NewSession(0, cfg, &recorder{}, WithJitter(noJitter))
	startSession(t, s)
	_, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)

	payload := json.RawMessage(`{"guild_id":"1","query":"","limit":0}`)
	require.NoError(t, s.Send(context.Background(), int(protocol.OpRequestGuildMembers), payload))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Send(ctx, int(protocol.OpRequestGuildMembers), payload)
	assert.ErrorIs(t, err, kephasgate.ErrCancelled, "burst exhausted")
	assert.Equal(t, kephasgate.StateReady, s.State(), "heartbeats are not limited")
}

func TestSessionShutdownClosesGracefully(t *testing.T) {
	t.Parallel()

	srv := newServer(t, time.Hour)
	s := NewSession(0, testConfig(srv.URL()), &recorder{}, WithJitter(noJitter))
	cancel, result := startSession(t, s)

	conn, err := srv.NextConn(waitFor)
	require.NoError(t, err)
	waitState(t, s, kephasgate.StateReady)

	cancel()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	select {
	case <-conn.Done():
	case <-time.After(waitFor):
		t.Fatal("server connection still open")
	}
	assert.Equal(t, kephasgate.StateDisconnected, s.State())
	assert.NotEmpty(t, s.SessionID(), "shutdown keeps the session for a later resume")
}

func TestSessionDialFailureBacksOff(t *testing.T) {
	t.Parallel()

	cfg := testConfig("ws://127.0.0.1:1/gateway")
	cfg.MaxFailures = 2
	s := NewSession(0, cfg, &recorder{}, WithJitter(noJitter))

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, kephasgate.ErrRetired)
	assert.ErrorIs(t, err, kephasgate.ErrTransport)
	assert.Equal(t, 3, s.Failures())
}

func TestGatewayURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		base      string
		resumeURL string
		sessionID string
		seq       int64
		want      string
	}{
		{"fresh", "wss://gw.example/?v=10&encoding=json", "", "", 0, "wss://gw.example/?v=10&encoding=json"},
		{"resume inherits query", "wss://gw.example/?v=10&encoding=json", "wss://resume.example", "abc", 5, "wss://resume.example/?v=10&encoding=json"},
		{"resume url ignored without session", "wss://gw.example/?v=10", "wss://resume.example", "", 0, "wss://gw.example/?v=10"},
		{"resume url ignored without seq", "wss://gw.example/?v=10", "wss://resume.example", "abc", 0, "wss://gw.example/?v=10"},
		{"bad resume url", "wss://gw.example/?v=10", "::not a url", "abc", 1, "wss://gw.example/?v=10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.URL = tt.base
			s := NewSession(0, cfg, &recorder{})
			s.resumeURL = tt.resumeURL
			s.sessionID = tt.sessionID
			s.seq = tt.seq

			got, err := s.gatewayURL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDisconnectReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{kephasgate.ErrZombieConnection, "zombie"},
		{kephasgate.ErrHandshakeTimeout, "handshake_timeout"},
		{kephasgate.ErrInvalidSession, "invalid_session"},
		{kephasgate.ErrReconnectRequested, "reconnect"},
		{kephasgate.ErrProtocol, "protocol"},
		{kephasgate.ErrTransport, "transport"},
		{errors.New("other"), "transport"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, disconnectReason(tt.err), tt.err.Error())
	}
}

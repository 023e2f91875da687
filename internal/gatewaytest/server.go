// Package gatewaytest runs an in-process gateway for tests.
//
// The server speaks enough of the gateway protocol to drive a shard through
// its whole lifecycle: it sends hello on connect, answers identify with READY
// and resume with RESUMED, acknowledges heartbeats, and lets the test push
// dispatch or control frames to any connection.
package gatewaytest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Opcodes used by the fake gateway.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpResume         = 6
	OpReconnect      = 7
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// Frame is a frame received from a client.
type Frame struct {
	ConnID string
	Op     int
	Data   json.RawMessage
	At     time.Time
}

// Identify is the subset of the identify payload the server inspects.
type Identify struct {
	Token   string `json:"token"`
	Shard   [2]int `json:"shard"`
	Intents int    `json:"intents"`
}

// Resume is the resume payload.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Server is a scripted gateway.
type Server struct {
	heartbeat time.Duration
	srv       *httptest.Server
	upgrader  websocket.Upgrader

	mu            sync.Mutex
	ackHeartbeats bool
	sendHello     bool
	answer        bool
	holdOnClose   bool
	closing       chan struct{}
	closeOnce     sync.Once
	conns         map[string]*Conn
	sessions      map[string]int64
	identifies    []Identify
	resumes       []Resume
	wg            sync.WaitGroup

	connected chan *Conn
}

// New starts a gateway that announces the given heartbeat interval.
func New(heartbeat time.Duration) *Server {
	s := &Server{
		heartbeat:     heartbeat,
		ackHeartbeats: true,
		sendHello:     true,
		answer:        true,
		closing:       make(chan struct{}),
		conns:         make(map[string]*Conn),
		sessions:      make(map[string]int64),
		connected:     make(chan *Conn, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", s.handleWebSocket)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the gateway's WebSocket URL.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/gateway?v=10&encoding=json"
}

// SetAckHeartbeats controls whether heartbeats are acknowledged.
func (s *Server) SetAckHeartbeats(ack bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackHeartbeats = ack
}

// SetSendHello controls whether new connections receive hello.
func (s *Server) SetSendHello(send bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendHello = send
}

// SetAnswerHandshake controls whether identify and resume are answered.
func (s *Server) SetAnswerHandshake(answer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answer = answer
}

// SetHoldOnClose makes the server ignore close frames from connections
// accepted afterwards: it neither answers them nor closes the connection until
// the server is closed.
func (s *Server) SetHoldOnClose(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdOnClose = hold
}

// Identifies returns every identify received so far.
func (s *Server) Identifies() []Identify {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Identify(nil), s.identifies...)
}

// Resumes returns every resume received so far.
func (s *Server) Resumes() []Resume {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Resume(nil), s.resumes...)
}

// InvalidateSessions forgets every session so later resumes are rejected.
func (s *Server) InvalidateSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]int64)
}

// NextConn waits for the next client connection.
func (s *Server) NextConn(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.connected:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.New("gatewaytest: no connection")
	}
}

// Close disconnects every client and stops the server.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	s.mu.Lock()
	for _, c := range s.conns {
		c.ws.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
	s.wg.Wait()
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}

	c := &Conn{
		ID:     uuid.New().String(),
		server: s,
		ws:     ws,
		frames: make(chan Frame, 256),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[c.ID] = c
	hello := s.sendHello
	hold := s.holdOnClose
	s.wg.Add(1)
	s.mu.Unlock()

	if hold {
		ws.SetCloseHandler(func(code int, text string) error { return nil })
	}

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.ID)
		s.mu.Unlock()
		close(c.done)
		ws.Close()
		s.wg.Done()
	}()

	if hello {
		_ = c.Send(OpHello, map[string]int64{"heartbeat_interval": s.heartbeat.Milliseconds()})
	}
	select {
	case s.connected <- c:
	default:
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if hold && errors.As(err, &ce) {
				<-s.closing
			}
			return
		}
		var f struct {
			Op   int             `json:"op"`
			Data json.RawMessage `json:"d"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		frame := Frame{ConnID: c.ID, Op: f.Op, Data: f.Data, At: time.Now()}
		select {
		case c.frames <- frame:
		default:
		}
		s.handleFrame(c, frame)
	}
}

func (s *Server) handleFrame(c *Conn, f Frame) {
	s.mu.Lock()
	ack := s.ackHeartbeats
	answer := s.answer
	s.mu.Unlock()

	switch f.Op {
	case OpHeartbeat:
		if ack {
			_ = c.Send(OpHeartbeatAck, nil)
		}
	case OpIdentify:
		var id Identify
		_ = json.Unmarshal(f.Data, &id)
		sessionID := uuid.New().String()
		s.mu.Lock()
		s.identifies = append(s.identifies, id)
		s.sessions[sessionID] = 0
		s.mu.Unlock()
		c.mu.Lock()
		c.Shard = id.Shard
		c.SessionID = sessionID
		c.seq = 0
		c.mu.Unlock()
		if answer {
			_, _ = c.Dispatch("READY", map[string]any{
				"v":          10,
				"session_id": sessionID,
				"shard":      id.Shard,
				"user":       map[string]any{"id": "1", "username": "bot", "bot": true},
				"guilds":     []any{},
			})
		}
	case OpResume:
		var r Resume
		_ = json.Unmarshal(f.Data, &r)
		s.mu.Lock()
		s.resumes = append(s.resumes, r)
		_, known := s.sessions[r.SessionID]
		s.mu.Unlock()
		if !answer {
			return
		}
		if !known {
			_ = c.Send(OpInvalidSession, false)
			return
		}
		c.mu.Lock()
		c.SessionID = r.SessionID
		c.seq = r.Seq
		c.mu.Unlock()
		_, _ = c.Dispatch("RESUMED", nil)
	}
}

// Conn is one client connection seen by the server.
type Conn struct {
	ID     string
	server *Server
	ws     *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	seq       int64
	Shard     [2]int
	SessionID string

	frames chan Frame
	done   chan struct{}
}

// Send writes a control frame.
func (c *Conn) Send(op int, data any) error {
	return c.write(map[string]any{"op": op, "d": data})
}

// SendRaw writes raw bytes as a text frame.
func (c *Conn) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Dispatch writes a dispatch frame with the next sequence number.
func (c *Conn) Dispatch(name string, data any) (int64, error) {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	return seq, c.DispatchSeq(seq, name, data)
}

// DispatchSeq writes a dispatch frame with an explicit sequence number.
func (c *Conn) DispatchSeq(seq int64, name string, data any) error {
	c.mu.Lock()
	if seq > c.seq {
		c.seq = seq
	}
	c.mu.Unlock()
	return c.write(map[string]any{"op": OpDispatch, "s": seq, "t": name, "d": data})
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gatewaytest: marshal: %w", err)
	}
	return c.SendRaw(data)
}

// Session returns the session id bound to this connection.
func (c *Conn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SessionID
}

// ShardInfo returns the [index, count] pair from identify.
func (c *Conn) ShardInfo() [2]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Shard
}

// Next returns the next frame the client sent.
func (c *Conn) Next(timeout time.Duration) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-time.After(timeout):
		return Frame{}, errors.New("gatewaytest: no frame")
	}
}

// WaitOp skips frames until one with op arrives.
func (c *Conn) WaitOp(op int, timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, fmt.Errorf("gatewaytest: no frame with op %d", op)
		}
		f, err := c.Next(remaining)
		if err != nil {
			return Frame{}, fmt.Errorf("gatewaytest: no frame with op %d", op)
		}
		if f.Op == op {
			return f, nil
		}
	}
}

// CloseWithCode closes the connection with a close frame.
func (c *Conn) CloseWithCode(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}

// Drop closes the TCP connection without a close frame.
func (c *Conn) Drop() {
	c.ws.Close()
}

// Done is closed once the server stopped reading from the connection.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luciancaetano/kephasgate"
)

const (
	maxFrameSize    = 10 * 1024 * 1024 // inbound frames (guild snapshots can be large)
	maxOutboundSize = 4096             // gateway rejects larger client frames
)

// Opcode selects the meaning of a gateway frame.
type Opcode int

// Gateway opcodes.
const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

var opNames = map[Opcode]string{
	OpDispatch:            "dispatch",
	OpHeartbeat:           "heartbeat",
	OpIdentify:            "identify",
	OpPresenceUpdate:      "presence_update",
	OpVoiceStateUpdate:    "voice_state_update",
	OpResume:              "resume",
	OpReconnect:           "reconnect",
	OpRequestGuildMembers: "request_guild_members",
	OpInvalidSession:      "invalid_session",
	OpHello:               "hello",
	OpHeartbeatAck:        "heartbeat_ack",
}

func (o Opcode) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Valid reports whether o is a known opcode.
func (o Opcode) Valid() bool {
	_, ok := opNames[o]
	return ok
}

// UserCommand reports whether o may be sent by application code. Heartbeat,
// identify and resume are owned by the session.
func (o Opcode) UserCommand() bool {
	switch o {
	case OpPresenceUpdate, OpVoiceStateUpdate, OpRequestGuildMembers:
		return true
	}
	return false
}

// Envelope is one gateway frame.
type Envelope struct {
	Op   Opcode          `json:"op"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d"`
}

// outbound frames never carry s or t.
type outbound struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

// Decode parses a raw frame. Errors wrap kephasgate.ErrProtocol.
// The envelope's Data references the input buffer - do not modify it.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", kephasgate.ErrProtocol)
	}
	if len(data) > maxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds maximum %d bytes", kephasgate.ErrProtocol, len(data), maxFrameSize)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", kephasgate.ErrProtocol, err)
	}
	if !env.Op.Valid() {
		return nil, fmt.Errorf("%w: unknown opcode %d", kephasgate.ErrProtocol, int(env.Op))
	}
	if env.Op == OpDispatch {
		if env.Type == "" {
			return nil, fmt.Errorf("%w: dispatch frame without event name", kephasgate.ErrProtocol)
		}
		if env.Seq <= 0 {
			return nil, fmt.Errorf("%w: dispatch frame %s without sequence", kephasgate.ErrProtocol, env.Type)
		}
	}
	return &env, nil
}

// Encode builds an outbound frame for op with payload as its data.
func Encode(op Opcode, payload any) ([]byte, error) {
	out, err := json.Marshal(outbound{Op: op, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	if len(out) > maxOutboundSize {
		return nil, fmt.Errorf("encode %s: frame size %d exceeds maximum %d bytes", op, len(out), maxOutboundSize)
	}
	return out, nil
}

// Hello is the first frame the gateway sends on a new connection.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Interval returns the heartbeat interval as a duration.
func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

// DecodeHello extracts the hello payload from env.
func DecodeHello(env *Envelope) (Hello, error) {
	var h Hello
	if env.Op != OpHello {
		return h, fmt.Errorf("%w: expected hello, got %s", kephasgate.ErrProtocol, env.Op)
	}
	if err := json.Unmarshal(env.Data, &h); err != nil {
		return h, fmt.Errorf("%w: hello: %v", kephasgate.ErrProtocol, err)
	}
	if h.HeartbeatInterval <= 0 {
		return h, fmt.Errorf("%w: hello without heartbeat interval", kephasgate.ErrProtocol)
	}
	return h, nil
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify starts a new session.
type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
	Intents        int                `json:"intents"`
	Presence       json.RawMessage    `json:"presence,omitempty"`
}

// Resume continues a previous session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// HeartbeatData returns the heartbeat payload for the last sequence seen.
// A session that has not seen a dispatch yet sends null.
func HeartbeatData(seq int64) any {
	if seq <= 0 {
		return nil
	}
	return seq
}

// Resumable reads the invalid-session payload. Anything other than an explicit
// true means the session cannot be resumed.
func Resumable(env *Envelope) bool {
	d := bytes.TrimSpace(env.Data)
	if len(d) == 0 {
		return false
	}
	var resumable bool
	if err := json.Unmarshal(d, &resumable); err != nil {
		return false
	}
	return resumable
}

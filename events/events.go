// Package events holds the typed gateway events delivered to handlers.
//
// Each event is a plain struct decoded from the "d" payload of a dispatch
// frame. Decode maps an event name to its type; names that are not in the
// catalogue decode to *Unknown so handlers still see them.
package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/luciancaetano/kephasgate"
)

// Event names.
const (
	NameReady          = "READY"
	NameResumed        = "RESUMED"
	NameGuildCreate    = "GUILD_CREATE"
	NameGuildDelete    = "GUILD_DELETE"
	NameGuildBanAdd    = "GUILD_BAN_ADD"
	NameGuildBanRemove = "GUILD_BAN_REMOVE"
	NameMessageCreate  = "MESSAGE_CREATE"
	NameMessageUpdate  = "MESSAGE_UPDATE"
	NameMessageDelete  = "MESSAGE_DELETE"
	NameTypingStart    = "TYPING_START"

	// Wildcard registers a handler for every event.
	Wildcard = "*"
)

// Ready is the first dispatch of a new session.
type Ready struct {
	Version          int                `json:"v"`
	User             User               `json:"user"`
	Guilds           []UnavailableGuild `json:"guilds"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Shard            []int              `json:"shard,omitempty"`
}

func (*Ready) EventName() string { return NameReady }

// Resumed marks the end of a replay after a resume.
type Resumed struct{}

func (*Resumed) EventName() string { return NameResumed }

// GuildCreate delivers a full guild snapshot.
type GuildCreate struct {
	Guild
}

func (*GuildCreate) EventName() string { return NameGuildCreate }

// GuildDelete reports a guild that left or became unavailable.
type GuildDelete struct {
	UnavailableGuild
}

func (*GuildDelete) EventName() string { return NameGuildDelete }

// GuildBanAdd reports a user banned from a guild.
type GuildBanAdd struct {
	GuildID Snowflake `json:"guild_id"`
	User    User      `json:"user"`
}

func (*GuildBanAdd) EventName() string { return NameGuildBanAdd }

// GuildBanRemove reports a lifted ban.
type GuildBanRemove struct {
	GuildID Snowflake `json:"guild_id"`
	User    User      `json:"user"`
}

func (*GuildBanRemove) EventName() string { return NameGuildBanRemove }

// MessageCreate delivers a new message.
type MessageCreate struct {
	Message
}

func (*MessageCreate) EventName() string { return NameMessageCreate }

// MessageUpdate delivers an edited message. Only changed fields are set.
type MessageUpdate struct {
	Message
}

func (*MessageUpdate) EventName() string { return NameMessageUpdate }

// MessageDelete reports a deleted message.
type MessageDelete struct {
	ID        Snowflake `json:"id"`
	ChannelID Snowflake `json:"channel_id"`
	GuildID   Snowflake `json:"guild_id,omitempty"`
}

func (*MessageDelete) EventName() string { return NameMessageDelete }

// TypingStart reports a user typing in a channel.
type TypingStart struct {
	ChannelID Snowflake `json:"channel_id"`
	GuildID   Snowflake `json:"guild_id,omitempty"`
	UserID    Snowflake `json:"user_id"`
	Timestamp int64     `json:"timestamp"`
}

func (*TypingStart) EventName() string { return NameTypingStart }

// Unknown carries an event that is not in the catalogue.
type Unknown struct {
	Name string
	Raw  json.RawMessage
}

func (u *Unknown) EventName() string { return u.Name }

var (
	registryMu sync.RWMutex
	registry   = map[string]func() kephasgate.Event{
		NameReady:          func() kephasgate.Event { return &Ready{} },
		NameResumed:        func() kephasgate.Event { return &Resumed{} },
		NameGuildCreate:    func() kephasgate.Event { return &GuildCreate{} },
		NameGuildDelete:    func() kephasgate.Event { return &GuildDelete{} },
		NameGuildBanAdd:    func() kephasgate.Event { return &GuildBanAdd{} },
		NameGuildBanRemove: func() kephasgate.Event { return &GuildBanRemove{} },
		NameMessageCreate:  func() kephasgate.Event { return &MessageCreate{} },
		NameMessageUpdate:  func() kephasgate.Event { return &MessageUpdate{} },
		NameMessageDelete:  func() kephasgate.Event { return &MessageDelete{} },
		NameTypingStart:    func() kephasgate.Event { return &TypingStart{} },
	}
)

// Register adds or replaces the decoder for an event name. The constructor
// must return a pointer so the payload can be unmarshaled into it.
func Register(name string, ctor func() kephasgate.Event) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Names returns the registered event names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode builds the typed event for name from its raw payload.
func Decode(name string, raw json.RawMessage) (kephasgate.Event, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		return &Unknown{Name: name, Raw: cp}, nil
	}

	ev := ctor()
	if len(raw) == 0 || string(raw) == "null" {
		return ev, nil
	}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", kephasgate.ErrProtocol, name, err)
	}
	return ev, nil
}

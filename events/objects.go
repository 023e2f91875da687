package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Snowflake is a gateway object id. It travels as a JSON string.
type Snowflake uint64

// ParseSnowflake parses a decimal id.
func ParseSnowflake(s string) (Snowflake, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", s, err)
	}
	return Snowflake(v), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Time returns the creation time encoded in the id.
func (s Snowflake) Time() time.Time {
	const epoch = 1420070400000
	ms := int64(uint64(s)>>22) + epoch
	return time.UnixMilli(ms).UTC()
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = 0
		return nil
	}
	str, err := strconv.Unquote(string(data))
	if err != nil {
		// some payloads send ids as bare numbers
		str = string(data)
	}
	if str == "" {
		*s = 0
		return nil
	}
	v, err := ParseSnowflake(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// User is an account on the platform.
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator,omitempty"`
	GlobalName    string    `json:"global_name,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	Bot           bool      `json:"bot,omitempty"`
}

// EmbedVideo is the video attached to an embed.
type EmbedVideo struct {
	URL      string `json:"url,omitempty"`
	ProxyURL string `json:"proxy_url,omitempty"`
	Height   int    `json:"height,omitempty"`
	Width    int    `json:"width,omitempty"`
}

// Embed is rich content attached to a message.
type Embed struct {
	Title       string      `json:"title,omitempty"`
	Type        string      `json:"type,omitempty"`
	Description string      `json:"description,omitempty"`
	URL         string      `json:"url,omitempty"`
	Color       int         `json:"color,omitempty"`
	Video       *EmbedVideo `json:"video,omitempty"`
}

// Message is a chat message.
type Message struct {
	ID        Snowflake `json:"id"`
	ChannelID Snowflake `json:"channel_id"`
	GuildID   Snowflake `json:"guild_id,omitempty"`
	Author    User      `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Embeds    []Embed   `json:"embeds,omitempty"`
	Nonce     string    `json:"nonce,omitempty"`
}

// UnavailableGuild is a guild the shard has not received yet.
type UnavailableGuild struct {
	ID          Snowflake `json:"id"`
	Unavailable bool      `json:"unavailable"`
}

// Guild is a community server.
type Guild struct {
	ID          Snowflake       `json:"id"`
	Name        string          `json:"name"`
	OwnerID     Snowflake       `json:"owner_id"`
	MemberCount int             `json:"member_count,omitempty"`
	Unavailable bool            `json:"unavailable,omitempty"`
	Channels    json.RawMessage `json:"channels,omitempty"`
}

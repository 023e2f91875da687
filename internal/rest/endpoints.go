package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/kephasgate/events"
)

// Routes used by the typed wrappers.
const (
	RouteGatewayBot = "/gateway/bot"
	RouteMessages   = "/channels/{channel.id}/messages"
	RouteGuildBan   = "/guilds/{guild.id}/bans/{user.id}"
)

// SessionStartLimit is the identify budget reported by /gateway/bot.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetIn returns ResetAfter as a duration.
func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// GatewayBot returns the gateway URL and the recommended shard count.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var out GatewayBot
	if err := c.Do(ctx, Request{Method: http.MethodGet, Route: RouteGatewayBot}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MessageCreate is the body of a create-message call.
type MessageCreate struct {
	Content string         `json:"content,omitempty"`
	Embeds  []events.Embed `json:"embeds,omitempty"`
	Nonce   string         `json:"nonce,omitempty"`
	// EnforceNonce makes the server deduplicate messages by nonce.
	EnforceNonce bool `json:"enforce_nonce,omitempty"`
}

// CreateMessage posts a message to a channel. A nonce is generated when the
// message has none so that retried calls are deduplicated.
func (c *Client) CreateMessage(ctx context.Context, channelID events.Snowflake, msg MessageCreate) (*events.Message, error) {
	if msg.Nonce == "" {
		msg.Nonce = uuid.NewString()[:25]
		msg.EnforceNonce = true
	}
	var out events.Message
	err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Route:  RouteMessages,
		Params: map[string]string{"channel.id": channelID.String()},
		Body:   msg,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// BanCreate is the body of a create-ban call.
type BanCreate struct {
	DeleteMessageSeconds int `json:"delete_message_seconds,omitempty"`
}

// CreateBan bans a user from a guild. The reason is recorded in the audit
// log.
func (c *Client) CreateBan(ctx context.Context, guildID, userID events.Snowflake, ban BanCreate, reason string) error {
	return c.Do(ctx, Request{
		Method: http.MethodPut,
		Route:  RouteGuildBan,
		Params: map[string]string{
			"guild.id": guildID.String(),
			"user.id":  userID.String(),
		},
		Body:   ban,
		Reason: reason,
	}, nil)
}

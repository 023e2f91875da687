package kephasgate

// Gateway intents select which event groups a shard receives.
const (
	IntentGuilds                = 1 << 0
	IntentGuildMembers          = 1 << 1
	IntentGuildModeration       = 1 << 2
	IntentGuildMessages         = 1 << 9
	IntentGuildMessageReactions = 1 << 10
	IntentDirectMessages        = 1 << 12
	IntentMessageContent        = 1 << 15
	IntentsDefault              = IntentGuilds | IntentGuildModeration | IntentGuildMessages | IntentDirectMessages
	IntentsPrivileged           = IntentGuildMembers | IntentMessageContent
	IntentsAllNonPrivileged     = IntentsDefault | IntentGuildMessageReactions
)

// Gateway close codes sent by the remote side.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// FatalCloseCode reports whether a close code means reconnecting can never
// succeed with the current configuration.
func FatalCloseCode(code int) bool {
	switch code {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents:
		return true
	}
	return false
}

// Standard error messages
const (
	ErrMsgConnectionClosed = "shard connection is closed"
	ErrMsgDispatcherClosed = "dispatcher is closed"
	ErrMsgGateClosed       = "rate gate is closed"
	ErrMsgAlreadyOpen      = "gateway already open"
	ErrMsgNotOpen          = "gateway not open"
	ErrMsgShardOutOfRange  = "shard index out of range"
)

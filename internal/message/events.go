package message

// Event names exchanged with front-end clients.
const (
	// Inbound
	EventJoinTwitch      = "join-twitch"
	EventJoinKick        = "join-kick"
	EventRetryConnection = "retry-connection"

	// Outbound
	EventChatMessage          = "chat-message"
	EventAlertMessage         = "alert-message"
	EventChannelBadges        = "channel-badges"
	EventPlatformConnected    = "platform-connected"
	EventPlatformDisconnected = "platform-disconnected"
	EventPlatformReconnecting = "platform-reconnecting"
	EventConnectionError      = "connection-error"
	EventConnectionFailed     = "connection-failed"
	EventConnectionRecovered  = "connection-recovered"
	EventWarning              = "warning"
)

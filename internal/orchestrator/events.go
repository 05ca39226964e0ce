package orchestrator

import "github.com/john/multichat/internal/message"

const retrySuggestion = "Check your connection and retry manually"

// PlatformConnected is sent once a platform session is ready.
type PlatformConnected struct {
	Platform message.Platform `json:"platform"`
	Channel  string           `json:"channel"`
}

// PlatformDisconnected is sent when a live session drops.
type PlatformDisconnected struct {
	Platform message.Platform `json:"platform"`
	Reason   string           `json:"reason"`
}

// PlatformReconnecting is sent when an automatic retry starts.
type PlatformReconnecting struct {
	Platform   message.Platform `json:"platform"`
	Attempt    int              `json:"attempt"`
	MaxRetries int              `json:"maxRetries"`
}

// ConnectionError reports a failed attempt that may be retried.
type ConnectionError struct {
	Platform   message.Platform `json:"platform"`
	Operation  string           `json:"operation"`
	Error      string           `json:"error"`
	Code       string           `json:"code"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"maxRetries"`
	WillRetry  bool             `json:"willRetry"`
	RetryInMs  int64            `json:"retryInMs"`
	Channel    string           `json:"channel"`
}

// ConnectionFailed reports that no further automatic retries will happen.
type ConnectionFailed struct {
	Platform   message.Platform `json:"platform"`
	Error      string           `json:"error"`
	Code       string           `json:"code"`
	Suggestion string           `json:"suggestion"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"maxRetries"`
	WillRetry  bool             `json:"willRetry"`
	Channel    string           `json:"channel"`
}

// ConnectionRecovered is sent when an automatic retry succeeds.
type ConnectionRecovered struct {
	Platform message.Platform `json:"platform"`
	Message  string           `json:"message"`
	Attempts int              `json:"attempts"`
}

// Warning is a non-fatal, human readable notice.
type Warning struct {
	Message  string           `json:"message"`
	Platform message.Platform `json:"platform,omitempty"`
}

// ChannelBadges maps each platform to its badge key to image URL table.
type ChannelBadges map[message.Platform]map[string]string

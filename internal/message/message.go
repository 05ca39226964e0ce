// Package message holds the platform-agnostic chat and alert events that are
// fanned out to front-end clients.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform identifies an upstream chat source.
type Platform string

const (
	Twitch Platform = "twitch"
	Kick   Platform = "kick"
)

// Platforms lists every supported upstream in a stable order.
var Platforms = []Platform{Twitch, Kick}

// ParsePlatform validates a client supplied platform name.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case Twitch, Kick:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// ErrMalformed is returned when an upstream payload cannot be interpreted at all.
// Payloads that merely lack optional fields are normalized instead.
var ErrMalformed = errors.New("malformed payload")

var now = time.Now

func timestamp() int64 { return now().UnixMilli() }

var emptyBadges = json.RawMessage(`{}`)

// ChatMessage represents a chat line from any platform.
type ChatMessage struct {
	Platform  Platform        `json:"platform"`
	Username  string          `json:"username"`
	Message   string          `json:"message"`
	Color     string          `json:"color,omitempty"`
	Badges    json.RawMessage `json:"badges"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch at receipt
}

// IsValid reports whether the message may be delivered to clients.
func (m ChatMessage) IsValid() bool {
	return m.Platform != "" && m.Username != "" && m.Message != ""
}

// FromTwitch builds a ChatMessage from IRCv3 tags and the PRIVMSG body.
func FromTwitch(tags map[string]string, body string) (ChatMessage, error) {
	if tags == nil {
		return ChatMessage{}, fmt.Errorf("twitch tags: %w", ErrMalformed)
	}

	badges, err := json.Marshal(parseTwitchBadges(tags["badges"]))
	if err != nil {
		return ChatMessage{}, fmt.Errorf("twitch badges: %w", err)
	}

	return ChatMessage{
		Platform:  Twitch,
		Username:  tags["display-name"],
		Message:   body,
		Color:     tags["color"],
		Badges:    badges,
		Timestamp: timestamp(),
	}, nil
}

// parseTwitchBadges turns "subscriber/12,premium/1" into {"subscriber":"12","premium":"1"}.
func parseTwitchBadges(tag string) map[string]string {
	out := make(map[string]string)
	if tag == "" {
		return out
	}
	for _, part := range strings.Split(tag, ",") {
		set, version, _ := strings.Cut(part, "/")
		if set == "" {
			continue
		}
		out[set] = version
	}
	return out
}

type kickChatPayload struct {
	Content string `json:"content"`
	Sender  struct {
		Username string `json:"username"`
		Identity struct {
			Color  string          `json:"color"`
			Badges json.RawMessage `json:"badges"`
		} `json:"identity"`
	} `json:"sender"`
}

// FromKick builds a ChatMessage from the decoded data of a Kick chat event.
func FromKick(payload []byte) (ChatMessage, error) {
	var p kickChatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ChatMessage{}, fmt.Errorf("kick chat event: %w: %v", ErrMalformed, err)
	}

	badges := p.Sender.Identity.Badges
	if len(badges) == 0 || string(badges) == "null" {
		badges = emptyBadges
	}

	return ChatMessage{
		Platform:  Kick,
		Username:  p.Sender.Username,
		Message:   p.Content,
		Color:     p.Sender.Identity.Color,
		Badges:    badges,
		Timestamp: timestamp(),
	}, nil
}

package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/john/multichat/internal/message"
)

// joinRequest is the payload of join-twitch and join-kick. Older clients
// send the channel as "username".
type joinRequest struct {
	Channel  string `json:"channel"`
	Username string `json:"username"`
}

type retryRequest struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
}

// Dispatch handles one inbound client event.
func (o *Orchestrator) Dispatch(clientID, event string, data json.RawMessage) error {
	switch event {
	case message.EventJoinTwitch, message.EventJoinKick:
		var req joinRequest
		if err := decode(data, &req); err != nil {
			return o.rejectPayload(clientID, event, err)
		}
		channel := req.Channel
		if channel == "" {
			channel = req.Username
		}
		p := message.Twitch
		if event == message.EventJoinKick {
			p = message.Kick
		}
		return o.Join(clientID, p, channel)

	case message.EventRetryConnection:
		var req retryRequest
		if err := decode(data, &req); err != nil {
			return o.rejectPayload(clientID, event, err)
		}
		p, err := message.ParsePlatform(req.Platform)
		if err != nil {
			return o.rejectPayload(clientID, event, err)
		}
		return o.Retry(clientID, p, req.Channel)

	default:
		return fmt.Errorf("unsupported event %q", event)
	}
}

// decode accepts a JSON object or a bare string holding the channel name.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data, _ = json.Marshal(map[string]string{"channel": s})
	}
	return json.Unmarshal(data, v)
}

func (o *Orchestrator) rejectPayload(clientID, event string, err error) error {
	o.emitter.EmitTo(clientID, message.EventWarning, Warning{Message: fmt.Sprintf("Invalid %s request", event)})
	return fmt.Errorf("%s: %w", event, err)
}

// Package upstream defines the contract shared by every platform chat session.
package upstream

import (
	"context"

	"github.com/john/multichat/internal/message"
)

// Handler receives normalized events from a Session. Calls for one session
// are made from a single goroutine in transport order.
type Handler interface {
	OnChat(message.ChatMessage)
	OnAlert(message.AlertEvent)
	// OnDisconnect is called at most once, when a ready session drops
	// without Close having been called.
	OnDisconnect(reason error)
}

// Session is one live connection to one platform channel.
type Session interface {
	// Connect blocks until the channel join is confirmed, ctx is done, or
	// the session fails. Failures are *Error values.
	Connect(ctx context.Context, channel string) error
	// Close is idempotent and may be called before or during Connect.
	// It never triggers Handler.OnDisconnect.
	Close() error
}

// Factory creates an unconnected session reporting to h.
type Factory func(h Handler) Session

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Chat       func(message.ChatMessage)
	Alert      func(message.AlertEvent)
	Disconnect func(error)
}

func (h HandlerFuncs) OnChat(m message.ChatMessage) {
	if h.Chat != nil {
		h.Chat(m)
	}
}

func (h HandlerFuncs) OnAlert(a message.AlertEvent) {
	if h.Alert != nil {
		h.Alert(a)
	}
}

func (h HandlerFuncs) OnDisconnect(err error) {
	if h.Disconnect != nil {
		h.Disconnect(err)
	}
}

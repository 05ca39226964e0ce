package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/john/multichat/internal/message"
)

// Kind classifies an upstream failure for retry decisions.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindProtocol   Kind = "protocol"
)

// ErrClosed is returned by Connect when the session was closed before it became ready.
var ErrClosed = errors.New("session closed")

// Error is a classified failure from an upstream session.
type Error struct {
	Kind     Kind
	Platform message.Platform
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Platform, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(kind Kind, p message.Platform, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Platform: p, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err for the given operation. An err that is already an
// *Error keeps its kind.
func Wrap(p message.Platform, op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}
	return &Error{Kind: KindOf(err), Platform: p, Op: op, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are treated
// as network failures.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// Retryable reports whether another connection attempt could succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindValidation:
		return false
	default:
		return true
	}
}

// Code is the short machine readable identifier sent to clients.
func Code(err error) string {
	switch KindOf(err) {
	case KindAuth:
		return "AUTH_FAILED"
	case KindValidation:
		return "INVALID_CHANNEL"
	case KindTimeout:
		return "TIMEOUT"
	case KindProtocol:
		return "PROTOCOL_ERROR"
	default:
		return "NETWORK_ERROR"
	}
}

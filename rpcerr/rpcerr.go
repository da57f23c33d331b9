// Package rpcerr defines the failure kinds a caller of the bridge can observe.
//
// Every failure delivered to a caller is an *Error: a kind (comparable with
// errors.Is against the sentinels below), a human-readable message and, when
// the failure came from the other side of a boundary, the captured record.
package rpcerr

import (
	stderrors "errors"
	"fmt"

	"github.com/cockroachdb/errors"

	"worker-runner/errcapture"
)

var (
	ErrRemoteCallFailed  = errors.New("remote call failed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrHandleDestroyed   = errors.New("handle destroyed")
	ErrHandshakeFailed   = errors.New("handshake failed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrCallTimeout       = errors.New("call timed out")
	ErrUnknownMethod     = errors.New("unknown method")
	ErrUnknownInstance   = errors.New("unknown instance")
)

var kindNames = map[error]string{
	ErrRemoteCallFailed:  "RemoteCallFailed",
	ErrConnectionLost:    "ConnectionLost",
	ErrHandleDestroyed:   "HandleDestroyed",
	ErrHandshakeFailed:   "HandshakeFailed",
	ErrProtocolViolation: "ProtocolViolation",
	ErrCallTimeout:       "CallTimeout",
	ErrUnknownMethod:     "UnknownMethod",
	ErrUnknownInstance:   "UnknownInstance",
}

// Error is a categorized bridge failure.
type Error struct {
	Kind     error
	Message  string
	Captured *errcapture.CapturedError
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

// Unwrap exposes the kind sentinel, then the captured remote record.
func (e *Error) Unwrap() []error {
	out := []error{e.Kind}
	if e.Captured != nil {
		out = append(out, e.Captured)
	}
	return out
}

// ErrorKind names the category; errcapture records it so the kind can be
// rebuilt on the far side.
func (e *Error) ErrorKind() string {
	return kindNames[e.Kind]
}

func newf(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func ConnectionLost(format string, args ...any) *Error {
	return newf(ErrConnectionLost, format, args...)
}

func HandleDestroyed(format string, args ...any) *Error {
	return newf(ErrHandleDestroyed, format, args...)
}

func HandshakeFailed(format string, args ...any) *Error {
	return newf(ErrHandshakeFailed, format, args...)
}

func ProtocolViolation(format string, args ...any) *Error {
	return newf(ErrProtocolViolation, format, args...)
}

func CallTimeout(format string, args ...any) *Error {
	return newf(ErrCallTimeout, format, args...)
}

func UnknownMethod(format string, args ...any) *Error {
	return newf(ErrUnknownMethod, format, args...)
}

func UnknownInstance(format string, args ...any) *Error {
	return newf(ErrUnknownInstance, format, args...)
}

// FromCaptured rebuilds a caller-side error from a record received in an ERROR
// frame. Records carrying a known kind keep it; everything else is a failed
// remote call.
func FromCaptured(c *errcapture.CapturedError) *Error {
	if c == nil {
		return &Error{Kind: ErrRemoteCallFailed, Message: "missing error record"}
	}
	kind := ErrRemoteCallFailed
	for k, name := range kindNames {
		if name == c.Kind {
			kind = k
			break
		}
	}
	if kind == ErrRemoteCallFailed {
		return &Error{Kind: kind, Message: c.Message, Captured: c}
	}
	// The record's message already carries the kind prefix from the far side.
	return &Error{Kind: kind, Message: trimKind(kind, c.Message), Captured: c}
}

func trimKind(kind error, msg string) string {
	prefix := kind.Error() + ": "
	if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	if msg == kind.Error() {
		return ""
	}
	return msg
}

// Is reports whether err carries the given kind.
func Is(err, kind error) bool {
	return stderrors.Is(err, kind)
}

// Package errcapture normalizes arbitrary failure values into a record that can
// cross a context boundary.
//
// The record keeps a reliable message, a best-effort stack rendering and a
// best-effort JSON clone of the original value. Cloning may fail for values
// JSON cannot express (channels, functions, cycles); the record is then marked
// Partial and the clone is omitted, but Capture itself never fails.
package errcapture

import (
	"encoding/json"
	"fmt"
)

// CapturedError is the transport-safe form of a failure.
type CapturedError struct {
	Message  string          `json:"message"`
	Stack    string          `json:"stack,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Original json.RawMessage `json:"original,omitempty"`
	Partial  bool            `json:"partial,omitempty"`
}

// Error makes a captured record usable wherever an error is expected.
func (c *CapturedError) Error() string {
	if c == nil {
		return "<nil>"
	}
	return c.Message
}

// kinded is implemented by errors that name their failure category, so the
// category survives the trip across the boundary.
type kinded interface {
	ErrorKind() string
}

// Capture renders v into a CapturedError. It never panics.
func Capture(v any) *CapturedError {
	if c, ok := v.(*CapturedError); ok && c != nil {
		return c
	}
	out := &CapturedError{}
	if err, ok := v.(error); ok && err != nil {
		out.Message, out.Stack = describe(err)
		if k, ok := err.(kinded); ok {
			out.Kind = safeKind(k)
		}
	} else {
		out.Message = fmt.Sprint(v)
	}
	if raw, ok := clone(v); ok {
		out.Original = raw
	} else {
		out.Partial = true
	}
	return out
}

// describe extracts the message and, when the error carries one, a stack.
// Errors built with github.com/cockroachdb/errors render their stack under
// %+v; plain errors render identically under %v and %+v and get no stack.
func describe(err error) (msg, stack string) {
	defer func() {
		if r := recover(); r != nil {
			if msg == "" {
				msg = fmt.Sprintf("error with panicking Error(): %v", r)
			}
		}
	}()
	msg = err.Error()
	verbose := fmt.Sprintf("%+v", err)
	if verbose != msg {
		stack = verbose
	}
	return msg, stack
}

func safeKind(k kinded) (kind string) {
	defer func() {
		if recover() != nil {
			kind = ""
		}
	}()
	return k.ErrorKind()
}

// clone performs a JSON round-trip of v. ok is false when v cannot be
// expressed as JSON or a custom marshaller panics.
func clone(v any) (raw json.RawMessage, ok bool) {
	defer func() {
		if recover() != nil {
			raw, ok = nil, false
		}
	}()
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var probe any
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, false
	}
	return b, true
}

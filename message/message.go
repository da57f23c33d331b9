// Package message defines the Action Frame exchanged between a bridge and a host.
//
// Frame is the "envelope" for every protocol step: handshakes, liveness probes,
// calls, results, stream elements, errors and teardown. It gets serialized by the
// codec layer and, on byte-stream transports, wrapped in a protocol frame.
package message

import (
	"encoding/json"
	"fmt"

	"worker-runner/errcapture"
)

// Action tags a frame with the protocol step it carries.
type Action byte

const (
	ActionPing       Action = 0 // Liveness probe; the ack echoes the connection id
	ActionConnect    Action = 1 // Open a (possibly nested) connection; the ack echoes the connection id
	ActionCall       Action = 2 // Invoke a method on an instance
	ActionResult     Action = 3 // Single result for a CALL or INIT
	ActionStreamEmit Action = 4 // One element of a streamed result
	ActionStreamEnd  Action = 5 // End of a streamed result (or an upstream unsubscribe)
	ActionError      Action = 6 // Failure of a request or of a whole connection
	ActionDestroy    Action = 7 // Destroy an instance, or the whole connection when InstanceID is 0
	ActionDestroyed  Action = 8 // Acknowledgment of DESTROY
	ActionInit       Action = 9 // Create a runner instance on the host
)

var actionNames = [...]string{
	ActionPing:       "PING",
	ActionConnect:    "CONNECT",
	ActionCall:       "CALL",
	ActionResult:     "RESULT",
	ActionStreamEmit: "STREAM_EMIT",
	ActionStreamEnd:  "STREAM_END",
	ActionError:      "ERROR",
	ActionDestroy:    "DESTROY",
	ActionDestroyed:  "DESTROYED",
	ActionInit:       "INIT",
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	return int(a) < len(actionNames)
}

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Action(%d)", byte(a))
	}
	return actionNames[a]
}

// MarshalText renders the action by name so JSON frames read {"type":"CALL"}.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown action: %d", byte(a))
	}
	return []byte(actionNames[a]), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	for i, name := range actionNames {
		if name == string(text) {
			*a = Action(i)
			return nil
		}
	}
	return fmt.Errorf("unknown action: %q", text)
}

// Frame carries one protocol step.
//
//   - RequestID pairs CALL/INIT/DESTROY with RESULT/STREAM_*/ERROR/DESTROYED.
//   - ConnectionID addresses the hop-local connection the frame travels on.
//   - InstanceID addresses the runner instance on the terminating host.
type Frame struct {
	Action       Action                    `json:"type"`
	RequestID    uint32                    `json:"requestId,omitempty"`
	ConnectionID uint32                    `json:"connectionId,omitempty"`
	InstanceID   uint32                    `json:"instanceId,omitempty"`
	Ack          bool                      `json:"ack,omitempty"`
	Payload      json.RawMessage           `json:"payload,omitempty"`
	Error        *errcapture.CapturedError `json:"error,omitempty"`
}

// Validate checks the structural invariants of a frame. A frame failing
// validation is a protocol violation and must be dropped by the receiver.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if !f.Action.Valid() {
		return fmt.Errorf("unknown action: %d", byte(f.Action))
	}
	switch f.Action {
	case ActionPing, ActionConnect:
		if f.ConnectionID == 0 {
			return fmt.Errorf("%s without connection id", f.Action)
		}
	case ActionCall, ActionResult, ActionStreamEmit, ActionStreamEnd, ActionInit, ActionDestroy, ActionDestroyed:
		if f.RequestID == 0 {
			return fmt.Errorf("%s without request id", f.Action)
		}
	case ActionError:
		if f.Error == nil {
			return fmt.Errorf("ERROR without error record")
		}
		if f.RequestID == 0 && f.ConnectionID == 0 {
			return fmt.Errorf("ERROR without request or connection id")
		}
	}
	return nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s(req=%d conn=%d inst=%d ack=%t)", f.Action, f.RequestID, f.ConnectionID, f.InstanceID, f.Ack)
}

// CallPayload is the body of a CALL frame: a method identifier plus an ordered
// argument list. Stream asks the host to answer with STREAM_EMIT/STREAM_END.
type CallPayload struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Stream bool              `json:"stream,omitempty"`
}

// InitPayload is the body of an INIT frame.
type InitPayload struct {
	Runner string            `json:"runner"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// ConnectPayload is the body of a CONNECT frame. Path lists the nested links
// still to traverse; an empty path terminates the connection at the receiver.
type ConnectPayload struct {
	Path []string `json:"path,omitempty"`
}

// EncodeArgs renders each argument to JSON, preserving order.
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// MustPayload marshals v for use as a frame payload. It is intended for values
// that are known to be serializable (protocol payload structs).
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("message: payload %T not serializable: %v", v, err))
	}
	return b
}

package codec

import (
	"encoding/json"

	"worker-runner/message"
)

// JSONCodec encodes the whole frame with encoding/json. Human-readable and
// identical to the WebSocket wire shape, at the cost of size.
type JSONCodec struct{}

func (c *JSONCodec) Encode(f *message.Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (c *JSONCodec) Decode(data []byte, f *message.Frame) error {
	return json.Unmarshal(data, f)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"worker-runner/errcapture"
	"worker-runner/message"
)

// BinaryCodec lays the body out as fixed-width ids followed by two
// length-prefixed sections:
//
//	connId(4) instId(4) payloadLen(4) payload errLen(4) errJSON
//
// The error record stays JSON because its Original field is arbitrary JSON.
type BinaryCodec struct{}

var errShortBody = errors.New("BinaryCodec: body truncated")

func (c *BinaryCodec) Encode(f *message.Frame) ([]byte, error) {
	var errJSON []byte
	if f.Error != nil {
		b, err := json.Marshal(f.Error)
		if err != nil {
			return nil, fmt.Errorf("BinaryCodec: encode error record: %w", err)
		}
		errJSON = b
	}

	total := 4 + 4 + 4 + len(f.Payload) + 4 + len(errJSON)
	buf := make([]byte, total)
	offset := 0

	binary.BigEndian.PutUint32(buf[offset:offset+4], f.ConnectionID)
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:offset+4], f.InstanceID)
	offset += 4

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(f.Payload)))
	offset += 4
	copy(buf[offset:offset+len(f.Payload)], f.Payload)
	offset += len(f.Payload)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(errJSON)))
	offset += 4
	copy(buf[offset:], errJSON)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, f *message.Frame) error {
	offset := 0
	readU32 := func() (uint32, error) {
		if len(data)-offset < 4 {
			return 0, errShortBody
		}
		v := binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
		return v, nil
	}
	readBytes := func() ([]byte, error) {
		n, err := readU32()
		if err != nil {
			return nil, err
		}
		if uint64(len(data)-offset) < uint64(n) {
			return nil, errShortBody
		}
		out := make([]byte, n)
		copy(out, data[offset:offset+int(n)])
		offset += int(n)
		return out, nil
	}

	var err error
	if f.ConnectionID, err = readU32(); err != nil {
		return err
	}
	if f.InstanceID, err = readU32(); err != nil {
		return err
	}
	payload, err := readBytes()
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		f.Payload = payload
	}
	errJSON, err := readBytes()
	if err != nil {
		return err
	}
	if len(errJSON) > 0 {
		rec := &errcapture.CapturedError{}
		if err := json.Unmarshal(errJSON, rec); err != nil {
			return fmt.Errorf("BinaryCodec: decode error record: %w", err)
		}
		f.Error = rec
	}
	if offset != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-offset)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

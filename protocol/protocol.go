// Package protocol implements the binary frame layout used when Action Frames
// travel over a byte stream (TCP, pipes to a child process).
//
// It solves the sticky packet problem with a fixed-size 15-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│ac│fl│  reqId  │ bodyLen │    body ...    │
//	│ wrb  │01│  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "wrb" (worker-runner bridge).
const (
	MagicNumber byte   = 0x77 // 'w'
	MagicByte2  byte   = 0x72 // 'r'
	MagicByte3  byte   = 0x62 // 'b'
	Version     byte   = 0x01
	HeaderSize  int    = 15 // 3 (magic) + 1 (version) + 1 (codec) + 1 (action) + 1 (flags) + 4 (reqId) + 4 (bodyLen)
	MaxBodyLen  uint32 = 16 << 20
)

// Action mirrors message.Action to keep this package free of higher layers.
type Action byte

// LastAction is the highest action value accepted by Decode.
const LastAction Action = 9

// Flag bits carried in the header.
const (
	FlagAck byte = 1 << 0
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed frame header.
type Header struct {
	CodecType byte   // Serialization format of the body: 0=JSON, 1=Binary
	Action    Action // Action Frame kind
	Flags     byte   // FlagAck for PING/CONNECT acknowledgments
	RequestID uint32 // Multiplexing key: pairs a request with its replies
	BodyLen   uint32 // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize concurrent writers, otherwise frames from
// different requests interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.Action)
	buf[6] = h.Flags
	binary.BigEndian.PutUint32(buf[7:11], h.RequestID)
	binary.BigEndian.PutUint32(buf[11:15], uint32(len(body)))
	// One write per frame so a frame is never split between writers that
	// share the stream without a lock of their own.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, action and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	if Action(headerBuf[5]) > LastAction {
		return nil, nil, fmt.Errorf("unsupported action: %d", headerBuf[5])
	}

	reqID := binary.BigEndian.Uint32(headerBuf[7:11])
	bodyLen := binary.BigEndian.Uint32(headerBuf[11:15])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		Action:    Action(headerBuf[5]),
		Flags:     headerBuf[6],
		RequestID: reqID,
		BodyLen:   bodyLen,
	}, body, nil
}

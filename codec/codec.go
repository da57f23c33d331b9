// Package codec serializes Action Frame bodies for byte-stream transports.
//
// The frame header (action, request id, ack flag) travels in the protocol
// header; codecs are responsible for the remaining fields.
package codec

import (
	"fmt"

	"worker-runner/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

type Codec interface {
	Encode(f *message.Frame) ([]byte, error)
	Decode(data []byte, f *message.Frame) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

// ParseCodecType maps a configuration name to a codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

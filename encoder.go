package batch

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/vmihailenco/msgpack/v5"
)

// Content types carried in the AMQP ContentType property.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// Encoder defines the interface for job payload serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
	// ContentType names the wire format so consumers can pick a decoder.
	ContentType() string
}

// JSONEncoder is the default implementation of Encoder using JSON.
// It uses standard library for encoding and sonic for decoding.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// ContentType returns application/json.
func (*JSONEncoder) ContentType() string { return ContentTypeJSON }

// MsgpackEncoder encodes payloads as MessagePack.
type MsgpackEncoder struct{}

func (*MsgpackEncoder) Encode(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (*MsgpackEncoder) Decode(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (*MsgpackEncoder) ContentType() string { return ContentTypeMsgpack }

// EncoderFor returns the encoder matching a content type. Unknown and empty
// content types resolve to fallback, or JSON when fallback is nil.
func EncoderFor(contentType string, fallback Encoder) Encoder {
	switch contentType {
	case ContentTypeJSON:
		return &JSONEncoder{}
	case ContentTypeMsgpack:
		return &MsgpackEncoder{}
	}
	if fallback != nil {
		return fallback
	}
	return &JSONEncoder{}
}

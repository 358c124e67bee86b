// codec.go: wire codec — binary (MessagePack) and text (JSON) serialization
// with format auto-detection on receive.
//
// register.go hands raw JSON bytes straight to kv.Put/nats.Publish; this
// module generalizes that into a real codec layer so application code never
// sees which framing won the negotiation, while remaining wire-compatible
// with a bus that also speaks MessagePack fixmap/fixarray framing.
package mesh

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Format identifies which wire encoding was used for a message.
type Format int

const (
	FormatBinary Format = iota
	FormatText
)

// Codec serializes and deserializes domain messages, preferring binary
// framing when enabled and falling back to JSON text.
type Codec struct {
	UseBinary bool
}

// NewCodec builds a Codec; useBinary corresponds to bus.use_binary_codec
// in the configuration surface, default true.
func NewCodec(useBinary bool) *Codec {
	return &Codec{UseBinary: useBinary}
}

// Serialize encodes v using the negotiated preferred format. The
// receiving side recovers the format itself via DetectFormat, so callers
// never need to thread it back through.
func (c *Codec) Serialize(v any) ([]byte, error) {
	if c.UseBinary {
		data, err := msgpack.Marshal(v)
		if err != nil {
			return nil, SerializationError("marshal_binary", err)
		}
		return data, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, SerializationError("marshal_text", err)
	}
	return data, nil
}

// looksBinary reports whether b falls in the MessagePack first-byte
// ranges recognized as binary framing: fixmap (0x80-0x8f), fixarray (0x90-0x9f),
// and the 0xc0-0xdf type range (which includes map16/map32, 0xde/0xdf).
func looksBinary(b byte) bool {
	return (b >= 0x80 && b <= 0x8f) || (b >= 0x90 && b <= 0x9f) || (b >= 0xc0 && b <= 0xdf)
}

// DetectFormat inspects the first byte of data to decide binary vs. text,
// against a fixmap/fixarray/ext first byte.
func DetectFormat(data []byte) (Format, error) {
	if len(data) == 0 {
		return 0, SerializationError("detect_format", ErrEmptyFrame)
	}
	if looksBinary(data[0]) {
		return FormatBinary, nil
	}
	return FormatText, nil
}

// Deserialize decodes data into v, auto-detecting binary vs. JSON framing.
func (c *Codec) Deserialize(data []byte, v any) error {
	format, err := DetectFormat(data)
	if err != nil {
		return err
	}
	switch format {
	case FormatBinary:
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.UseLooseInterfaceDecoding(true)
		if err := dec.Decode(v); err != nil {
			return SerializationError("unmarshal_binary", err)
		}
		return nil
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return SerializationError("unmarshal_text", err)
		}
		return nil
	}
}

// DetectAndDeserialize is the free-function form of Deserialize used where
// no Codec instance is in scope (e.g. a bare reply handler), matching
// deserializing whichever format the bytes carry.
func DetectAndDeserialize(data []byte, v any) error {
	return (&Codec{}).Deserialize(data, v)
}

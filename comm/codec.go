package comm

import (
	"bytes"
	"encoding/gob"

	"go.dedis.ch/protobuf"
)

// Codec is the reversible encoding capability used for payloads that do not
// expose a buffer view. Encode must produce bytes Decode can reverse into an
// equal value.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// GobCodec encodes arbitrary Go values with encoding/gob. It is the default
// codec of a communicator. Interface-typed fields require gob.Register at
// program start, as usual.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// ProtobufCodec encodes struct payloads with dedis reflection-based protocol
// buffers, producing a compact cross-language wire form. Payloads must be
// pointers to structs; use GobCodec for anything else.
type ProtobufCodec struct{}

func (ProtobufCodec) Encode(v any) ([]byte, error) {
	return protobuf.Encode(v)
}

func (ProtobufCodec) Decode(data []byte, v any) error {
	return protobuf.Decode(data, v)
}

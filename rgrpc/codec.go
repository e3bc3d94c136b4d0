package rgrpc

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype sent on the wire. The upstream only
// accepts protobuf, so frames are exchanged as pre-encoded protobuf bytes.
const codecName = "proto"

// Codec returns a grpc codec passing raw protobuf frames through unchanged.
// Messages must be []byte when sending and *[]byte when receiving.
func Codec() encoding.Codec {
	return rawCodec{}
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, errors.New("unsupported message type", j.KV("type", typeName(v)))
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return errors.New("unsupported message type", j.KV("type", typeName(v)))
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string {
	return codecName
}

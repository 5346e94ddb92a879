package grpc

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec is a gRPC codec for plain Go structs.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return codecName
}

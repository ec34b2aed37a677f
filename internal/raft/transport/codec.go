package transport

import (
	"fmt"

	"multiraft/internal/raft/wire"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of every raft message
const CodecName = "raftwire"

// Codec marshals wire.Message values for gRPC. Messages have no generated protobuf types, they encode themselves
// with protowire.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wire.Message)
	if !ok {
		return nil, fmt.Errorf("raftwire codec: cannot marshal %T", v)
	}
	return m.MarshalWire()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wire.Message)
	if !ok {
		return fmt.Errorf("raftwire codec: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}

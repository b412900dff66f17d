// Package transport wires pkg/node onto the network using gRPC as a
// bare framing and multiplexing layer, without protoc-generated
// message code: RPC payloads are ordinary Go structs carried by a
// registered gob encoding.Codec, the same approach the teacher's own
// pkg/rpc/client.go used over raw TCP, now riding gRPC's connection
// management, flow control and deadlines instead.
package transport

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this package registers and
// every client call must select via grpc.CallContentSubtype.
const codecName = "raftgob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements google.golang.org/grpc/encoding.Codec by
// delegating to encoding/gob. It works for any exported-field struct,
// which is every request/response type in pkg/raft and the wire
// envelopes in this package.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }

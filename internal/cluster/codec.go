package cluster

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec implements grpc's encoding.Codec using plain JSON-tagged
// structs instead of protoc-generated descriptors. Peer RPC messages
// here (PushCounterRequest/Response, BroadcastExceededRequest/Response)
// are small and JSON-friendly, and registering this codec under the
// name grpc already dials with by default ("proto") lets every
// grpc.ClientConn/grpc.Server in this process speak it without any
// per-call option, the same way the teacher's grpc_transport.go
// assumed a "ratelimitv1" generated package would exist. That package
// is absent from the retrieved sources, so rather than fabricate fake
// generated code this registers a real, exercised codec instead.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "proto"
}

// RegisterJSONCodec installs jsonCodec as the codec grpc uses for the
// "proto" content-subtype, which is what grpc.Dial/grpc.NewServer use
// when no codec is explicitly negotiated. Call it once at process
// start, before dialing or serving.
func RegisterJSONCodec() {
	encoding.RegisterCodec(jsonCodec{})
}

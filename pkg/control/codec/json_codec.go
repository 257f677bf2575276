// Package codec registers a JSON wire codec for the control plane's gRPC
// service, used in place of protoc-generated protobuf marshaling since
// this repository carries no proto toolchain step. Registering a codec
// under encoding.RegisterCodec and selecting it via grpc.CallContentSubtype
// is a supported, if less common, extension point of grpc-go.
package codec

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype grpc-go negotiates this codec under:
// requests and responses are framed as "application/grpc+json".
const Name = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

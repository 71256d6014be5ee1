package kvtreev1

import "encoding/json"

// JSONCodec implements connectrpc.com/connect's Codec interface over plain
// encoding/json, so the hand-written request/response structs in this
// package can travel over Connect without needing to implement
// proto.Message. Connect's default codecs (binary protobuf, protojson) both
// require a proto.Message; since no protoc/buf codegen runs in this
// environment, the RPC layer is wired with this codec instead via
// connect.WithCodec(kvtreev1.JSONCodec{}) on both client and handler.
type JSONCodec struct{}

// Name reports the codec's wire identifier, sent as part of the Connect
// content-type.
func (JSONCodec) Name() string { return "json" }

// Marshal encodes v as JSON.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

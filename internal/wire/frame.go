// Package wire is the hand-rolled gRPC transport: the wire carries a
// single Frame{TypeURL, RequestID, Body} message, JSON-encoded, over
// manually authored grpc.ServiceDesc definitions mirroring the shape
// protoc-gen-go-grpc would produce. Dispatch happens on the type-url
// string rather than a generated protobuf schema, so no protoc step is
// needed.
package wire

// Frame is the single message type every wire RPC in this module
// carries. TypeURL selects which request/response struct Body decodes
// to (internal/protocol owns that table); RequestID correlates
// server-initiated pushes with their client acks.
type Frame struct {
	TypeURL   string `json:"type_url"`
	RequestID string `json:"request_id,omitempty"`
	Body      []byte `json:"body"`
}

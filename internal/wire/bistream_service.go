package wire

import (
	"context"

	"google.golang.org/grpc"
)

const biStreamServiceName = "regplane.BiStreamService"

// BiStreamServiceServer is implemented by internal/bistream's Manager.
type BiStreamServiceServer interface {
	BiStream(BiStreamService_BiStreamServer) error
}

// UnimplementedBiStreamServiceServer embeds into implementations that
// only need a subset of methods (there is only one here, but this
// mirrors the forward-compatibility shape protoc-gen-go-grpc emits).
type UnimplementedBiStreamServiceServer struct{}

func (UnimplementedBiStreamServiceServer) BiStream(BiStreamService_BiStreamServer) error {
	return grpcUnimplemented("BiStream")
}

// BiStreamService_BiStreamServer is the server-side handle for one
// bidirectional stream.
type BiStreamService_BiStreamServer interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

type biStreamServiceBiStreamServer struct {
	grpc.ServerStream
}

func (x *biStreamServiceBiStreamServer) Send(m *Frame) error {
	return x.ServerStream.SendMsg(m)
}

func (x *biStreamServiceBiStreamServer) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func biStreamBiStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BiStreamServiceServer).BiStream(&biStreamServiceBiStreamServer{stream})
}

// BiStreamServiceServiceDesc is the hand-authored grpc.ServiceDesc for
// the bi-stream push/ack RPC.
var BiStreamServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: biStreamServiceName,
	HandlerType: (*BiStreamServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "BiStream",
			Handler:       biStreamBiStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "regplane/wire/bistream.proto",
}

// BiStreamServiceClient is the client-side stub.
type BiStreamServiceClient interface {
	BiStream(ctx context.Context, opts ...grpc.CallOption) (BiStreamService_BiStreamClient, error)
}

type biStreamServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewBiStreamServiceClient wraps a ClientConn with the BiStream stub.
func NewBiStreamServiceClient(cc grpc.ClientConnInterface) BiStreamServiceClient {
	return &biStreamServiceClient{cc: cc}
}

func (c *biStreamServiceClient) BiStream(ctx context.Context, opts ...grpc.CallOption) (BiStreamService_BiStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &BiStreamServiceServiceDesc.Streams[0], "/"+biStreamServiceName+"/BiStream", opts...)
	if err != nil {
		return nil, err
	}
	return &biStreamServiceBiStreamClient{stream}, nil
}

// BiStreamService_BiStreamClient is the client-side handle for one
// bidirectional stream.
type BiStreamService_BiStreamClient interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

type biStreamServiceBiStreamClient struct {
	grpc.ClientStream
}

func (x *biStreamServiceBiStreamClient) Send(m *Frame) error {
	return x.ClientStream.SendMsg(m)
}

func (x *biStreamServiceBiStreamClient) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

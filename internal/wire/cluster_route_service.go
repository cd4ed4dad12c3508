package wire

import (
	"context"

	"google.golang.org/grpc"
)

const clusterRouteServiceName = "regplane.ClusterRouteService"

// ClusterRouteServiceServer is implemented by
// internal/cluster/transport: one unary RPC multiplexing every
// intra-cluster message (ping, sync, snapshot).
type ClusterRouteServiceServer interface {
	Route(context.Context, *Frame) (*Frame, error)
}

// UnimplementedClusterRouteServiceServer mirrors the generated
// forward-compatibility embed.
type UnimplementedClusterRouteServiceServer struct{}

func (UnimplementedClusterRouteServiceServer) Route(context.Context, *Frame) (*Frame, error) {
	return nil, grpcUnimplemented("Route")
}

func clusterRouteRouteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClusterRouteServiceServer).Route(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + clusterRouteServiceName + "/Route"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClusterRouteServiceServer).Route(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

// ClusterRouteServiceServiceDesc is the hand-authored grpc.ServiceDesc
// for the unary cluster-peer RPC.
var ClusterRouteServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: clusterRouteServiceName,
	HandlerType: (*ClusterRouteServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Route",
			Handler:    clusterRouteRouteHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "regplane/wire/cluster_route.proto",
}

// ClusterRouteServiceClient is the client-side stub.
type ClusterRouteServiceClient interface {
	Route(ctx context.Context, in *Frame, opts ...grpc.CallOption) (*Frame, error)
}

type clusterRouteServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewClusterRouteServiceClient wraps a ClientConn with the Route stub.
func NewClusterRouteServiceClient(cc grpc.ClientConnInterface) ClusterRouteServiceClient {
	return &clusterRouteServiceClient{cc: cc}
}

func (c *clusterRouteServiceClient) Route(ctx context.Context, in *Frame, opts ...grpc.CallOption) (*Frame, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	out := new(Frame)
	if err := c.cc.Invoke(ctx, "/"+clusterRouteServiceName+"/Route", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

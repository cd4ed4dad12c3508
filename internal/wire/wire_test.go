package wire

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func dialBufconn(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type echoClusterRouteServer struct {
	UnimplementedClusterRouteServiceServer
}

func (echoClusterRouteServer) Route(ctx context.Context, in *Frame) (*Frame, error) {
	return &Frame{TypeURL: in.TypeURL, RequestID: in.RequestID, Body: in.Body}, nil
}

func TestClusterRouteRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	srv.RegisterService(&ClusterRouteServiceServiceDesc, echoClusterRouteServer{})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn := dialBufconn(t, lis)
	client := NewClusterRouteServiceClient(conn)

	resp, err := client.Route(context.Background(), &Frame{TypeURL: "Ping", Body: []byte(`{"cluster_id":1}`)})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.TypeURL != "Ping" || string(resp.Body) != `{"cluster_id":1}` {
		t.Fatalf("resp = %+v", resp)
	}
}

type echoBiStreamServer struct {
	UnimplementedBiStreamServiceServer
}

func (echoBiStreamServer) BiStream(stream BiStreamService_BiStreamServer) error {
	for {
		frame, err := stream.Recv()
		if err != nil {
			return nil
		}
		if err := stream.Send(frame); err != nil {
			return err
		}
	}
}

func TestBiStreamRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	srv.RegisterService(&BiStreamServiceServiceDesc, echoBiStreamServer{})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn := dialBufconn(t, lis)
	client := NewBiStreamServiceClient(conn)

	stream, err := client.BiStream(context.Background())
	if err != nil {
		t.Fatalf("BiStream: %v", err)
	}

	if err := stream.Send(&Frame{TypeURL: "ServerCheckRequest", RequestID: "r1", Body: []byte("{}")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if resp.TypeURL != "ServerCheckRequest" || resp.RequestID != "r1" {
		t.Fatalf("resp = %+v", resp)
	}
}

package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/wudi/regplane/internal/rerrors"
	"github.com/wudi/regplane/internal/wire"
)

const defaultRouteTimeout = 3 * time.Second

// Pool owns one lazily-dialed gRPC connection per peer and exposes the
// unary Route RPC over it. It also implements node.Pinger.
type Pool struct {
	selfID  uint64
	tlsCfg  *tls.Config // nil = plaintext
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	addrs map[uint64]string
	conns map[uint64]*grpc.ClientConn
}

// NewPool builds a Pool over the configured peer address map.
func NewPool(selfID uint64, peers map[uint64]string, tlsCfg *tls.Config, logger *zap.Logger) *Pool {
	return &Pool{
		selfID:  selfID,
		tlsCfg:  tlsCfg,
		timeout: defaultRouteTimeout,
		logger:  logger,
		addrs:   peers,
		conns:   make(map[uint64]*grpc.ClientConn),
	}
}

// PeerIDs lists every configured peer.
func (p *Pool) PeerIDs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint64, 0, len(p.addrs))
	for id := range p.addrs {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) conn(peer uint64) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cc, ok := p.conns[peer]; ok {
		return cc, nil
	}
	addr, ok := p.addrs[peer]
	if !ok {
		return nil, rerrors.New(rerrors.PeerUnavailable, "unknown peer")
	}

	creds := insecure.NewCredentials()
	if p.tlsCfg != nil {
		creds = credentials.NewTLS(p.tlsCfg)
	}
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.PeerUnavailable, "dial peer", err)
	}
	p.conns[peer] = cc
	return cc, nil
}

// Route sends one frame to a peer and returns its response frame.
func (p *Pool) Route(ctx context.Context, peer uint64, frame *wire.Frame) (*wire.Frame, error) {
	cc, err := p.conn(peer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := wire.NewClusterRouteServiceClient(cc).Route(ctx, frame)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.PeerUnavailable, "route to peer", err)
	}
	return resp, nil
}

// Ping implements node.Pinger over the Route RPC.
func (p *Pool) Ping(ctx context.Context, peer uint64, selfClusterID uint64) error {
	frame, err := EncodeFrame(TypePing, PingRequest{ExtendInfo: NewExtendInfo(selfClusterID)})
	if err != nil {
		return err
	}
	_, err = p.Route(ctx, peer, frame)
	return err
}

// Close tears down every peer connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cc := range p.conns {
		_ = cc.Close()
		delete(p.conns, id)
	}
}

package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/regplane/internal/cluster/node"
	"github.com/wudi/regplane/internal/keys"
	"github.com/wudi/regplane/internal/naming"
	"github.com/wudi/regplane/internal/wire"
)

// syncTag makes every field of a replicated instance authoritative
// while keeping FromUpdate=false, so admin-set priority metadata on the
// receiver survives replication.
func syncTag() *naming.UpdateTag {
	return &naming.UpdateTag{Enabled: true, Ephemeral: true, Weight: true, Metadata: true, FromUpdate: false}
}

// RouteServer implements wire.ClusterRouteServiceServer: one unary RPC
// multiplexing every peer message on its type-url.
type RouteServer struct {
	wire.UnimplementedClusterRouteServiceServer

	registry *naming.Registry
	nodes    *node.Manager
	selfID   uint64
	logger   *zap.Logger
}

// NewRouteServer wires the handler against the registry and the node
// manager (which records peer liveness on every inbound message).
func NewRouteServer(registry *naming.Registry, nodes *node.Manager, selfID uint64, logger *zap.Logger) *RouteServer {
	return &RouteServer{registry: registry, nodes: nodes, selfID: selfID, logger: logger}
}

func ackFrame(requestID string) (*wire.Frame, error) {
	frame, err := EncodeFrame(TypeRouteAck, RouteAck{Success: true})
	if err != nil {
		return nil, err
	}
	frame.RequestID = requestID
	return frame, nil
}

// Route dispatches one peer frame.
func (s *RouteServer) Route(ctx context.Context, frame *wire.Frame) (*wire.Frame, error) {
	switch frame.TypeURL {
	case TypePing:
		var req PingRequest
		if err := DecodeFrame(frame, &req); err != nil {
			return nil, err
		}
		peer, err := req.ExtendInfo.ClusterID()
		if err != nil {
			return nil, err
		}
		s.nodes.ActiveNode(ctx, peer)
		return ackFrame(frame.RequestID)

	case TypeSyncUpdateInstance:
		var req SyncUpdateInstanceRequest
		if err := DecodeFrame(frame, &req); err != nil {
			return nil, err
		}
		peer, err := req.ExtendInfo.ClusterID()
		if err != nil {
			return nil, err
		}
		s.nodes.ActiveNode(ctx, peer)
		if err := s.registry.Update(ctx, req.Instance.ToInstance(peer), syncTag()); err != nil {
			return nil, err
		}
		return ackFrame(frame.RequestID)

	case TypeSyncRemoveInstance:
		var req SyncRemoveInstanceRequest
		if err := DecodeFrame(frame, &req); err != nil {
			return nil, err
		}
		peer, err := req.ExtendInfo.ClusterID()
		if err != nil {
			return nil, err
		}
		s.nodes.ActiveNode(ctx, peer)
		if err := s.registry.DeleteFromSync(ctx, req.Instance.ServiceKey(), req.Instance.ShortKey()); err != nil {
			return nil, err
		}
		return ackFrame(frame.RequestID)

	case TypeSyncUpdateService:
		var req SyncUpdateServiceRequest
		if err := DecodeFrame(frame, &req); err != nil {
			return nil, err
		}
		peer, err := req.ExtendInfo.ClusterID()
		if err != nil {
			return nil, err
		}
		s.nodes.ActiveNode(ctx, peer)
		svcKey := (SyncInstance{NamespaceID: req.NamespaceID, GroupName: req.GroupName, ServiceName: req.ServiceName}).ServiceKey()
		if err := s.registry.UpdateServiceMeta(ctx, svcKey, req.ProtectThreshold, req.Metadata, true); err != nil {
			return nil, err
		}
		return ackFrame(frame.RequestID)

	case TypeSyncBatchInstances:
		var req SyncBatchInstancesRequest
		if err := DecodeFrame(frame, &req); err != nil {
			return nil, err
		}
		peer, err := req.ExtendInfo.ClusterID()
		if err != nil {
			return nil, err
		}
		s.nodes.ActiveNode(ctx, peer)
		if sum := BatchChecksum(req.UpdateInstances, req.RemoveInstances); sum != req.Checksum {
			s.logger.Error("cluster: sync batch checksum mismatch, rejecting",
				zap.Uint64("peer", peer),
				zap.Uint64("expected", req.Checksum),
				zap.Uint64("computed", sum))
			return nil, fmt.Errorf("transport: sync batch checksum mismatch")
		}
		// Deletes apply before updates within a batch.
		for _, si := range req.RemoveInstances {
			if err := s.registry.DeleteFromSync(ctx, si.ServiceKey(), si.ShortKey()); err != nil {
				return nil, err
			}
		}
		for _, si := range req.UpdateInstances {
			if err := s.registry.Update(ctx, si.ToInstance(peer), syncTag()); err != nil {
				return nil, err
			}
		}
		return ackFrame(frame.RequestID)

	case TypeQuerySnapshot:
		var req QuerySnapshotRequest
		if err := DecodeFrame(frame, &req); err != nil {
			return nil, err
		}
		peer, err := req.ExtendInfo.ClusterID()
		if err != nil {
			return nil, err
		}
		s.nodes.ActiveNode(ctx, peer)
		if req.Len <= 0 {
			return nil, fmt.Errorf("transport: query snapshot with len %d", req.Len)
		}
		instances, err := s.registry.SnapshotMatching(ctx, func(key keys.ServiceKey) bool {
			return node.RangeOf(key, req.Len) == req.Index
		})
		if err != nil {
			return nil, err
		}
		resp := SnapshotResponse{ExtendInfo: NewExtendInfo(s.selfID), Instances: make([]SyncInstance, 0, len(instances))}
		for _, inst := range instances {
			resp.Instances = append(resp.Instances, FromInstance(inst))
		}
		out, err := EncodeFrame(TypeSnapshot, resp)
		if err != nil {
			return nil, err
		}
		out.RequestID = frame.RequestID
		return out, nil

	default:
		return nil, fmt.Errorf("transport: %s RequestHandler Not Found", frame.TypeURL)
	}
}

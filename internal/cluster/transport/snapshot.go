package transport

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/regplane/internal/naming"
)

const snapshotFetchTimeout = 10 * time.Second

// SnapshotFetcher implements node.OwnershipListener: when this node
// gains a range it asks the range's previous owner for a snapshot and
// rehydrates it through the registry.
type SnapshotFetcher struct {
	pool       *Pool
	apply      SnapshotApplier
	selfID     uint64
	rangeCount int
	logger     *zap.Logger
}

// SnapshotApplier feeds rehydrated instances into the naming registry;
// RegistryApplier adapts the naming registry to it.
type SnapshotApplier interface {
	ApplySnapshot(ctx context.Context, fromPeer uint64, instances []SyncInstance) error
}

// NewSnapshotFetcher builds a fetcher over the peer pool.
func NewSnapshotFetcher(pool *Pool, apply SnapshotApplier, selfID uint64, rangeCount int, logger *zap.Logger) *SnapshotFetcher {
	return &SnapshotFetcher{pool: pool, apply: apply, selfID: selfID, rangeCount: rangeCount, logger: logger}
}

// RangeGained fetches the gained range from its previous owner. A zero
// fromPeer means the range was previously unowned (bootstrap) and there
// is nothing to catch up from.
func (f *SnapshotFetcher) RangeGained(ctx context.Context, rangeIndex int, fromPeer uint64) {
	if fromPeer == 0 || fromPeer == f.selfID {
		return
	}
	go f.fetch(rangeIndex, fromPeer)
}

// RangeLost releases nothing eagerly: replicated state stays resident
// and converges through the new owner's sync stream.
func (f *SnapshotFetcher) RangeLost(_ context.Context, rangeIndex int) {
	f.logger.Debug("cluster: range released", zap.Int("range", rangeIndex))
}

func (f *SnapshotFetcher) fetch(rangeIndex int, fromPeer uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotFetchTimeout)
	defer cancel()

	req := QuerySnapshotRequest{
		ExtendInfo: NewExtendInfo(f.selfID),
		Index:      rangeIndex,
		Len:        f.rangeCount,
	}
	frame, err := EncodeFrame(TypeQuerySnapshot, req)
	if err != nil {
		f.logger.Error("cluster: encode snapshot query", zap.Error(err))
		return
	}

	resp, err := f.pool.Route(ctx, fromPeer, frame)
	if err != nil {
		f.logger.Warn("cluster: snapshot query failed",
			zap.Int("range", rangeIndex), zap.Uint64("peer", fromPeer), zap.Error(err))
		return
	}

	var snap SnapshotResponse
	if err := DecodeFrame(resp, &snap); err != nil {
		f.logger.Error("cluster: decode snapshot", zap.Error(err))
		return
	}
	if err := f.apply.ApplySnapshot(ctx, fromPeer, snap.Instances); err != nil {
		f.logger.Error("cluster: apply snapshot", zap.Error(err))
		return
	}
	f.logger.Info("cluster: snapshot applied",
		zap.Int("range", rangeIndex), zap.Uint64("peer", fromPeer), zap.Int("instances", len(snap.Instances)))
}

// RegistryApplier adapts the naming registry to SnapshotApplier.
type RegistryApplier struct {
	Registry *naming.Registry
}

// ApplySnapshot rehydrates each instance through the registry's normal
// update path with from_update=false.
func (a RegistryApplier) ApplySnapshot(ctx context.Context, fromPeer uint64, instances []SyncInstance) error {
	for _, si := range instances {
		if err := a.Registry.Update(ctx, si.ToInstance(fromPeer), syncTag()); err != nil {
			return err
		}
	}
	return nil
}

package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/regplane/internal/cluster/transport"
	"github.com/wudi/regplane/internal/keys"
	"github.com/wudi/regplane/internal/naming"
	"github.com/wudi/regplane/internal/wire"
)

type fakeRouteClient struct {
	mu     stdsync.Mutex
	frames []*wire.Frame
	fail   bool
}

func (c *fakeRouteClient) Route(_ context.Context, _ uint64, frame *wire.Frame) (*wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, errors.New("peer down")
	}
	c.frames = append(c.frames, frame)
	return &wire.Frame{TypeURL: transport.TypeRouteAck}, nil
}

func (c *fakeRouteClient) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *fakeRouteClient) batches(t *testing.T) []transport.SyncBatchInstancesRequest {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []transport.SyncBatchInstancesRequest
	for _, frame := range c.frames {
		if frame.TypeURL != transport.TypeSyncBatchInstances {
			continue
		}
		var req transport.SyncBatchInstancesRequest
		if err := transport.DecodeFrame(frame, &req); err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		out = append(out, req)
	}
	return out
}

type emptySource struct{}

func (emptySource) SnapshotMatching(context.Context, func(keys.ServiceKey) bool) ([]naming.Instance, error) {
	return nil, nil
}

func newTestSender(t *testing.T, client RouteClient, cfg Config) *Sender {
	t.Helper()
	s := New(1, []uint64{2}, cfg, client, emptySource{}, zap.NewNop())
	t.Cleanup(s.Close)
	return s
}

func testInstance(ip string) naming.Instance {
	svcKey := keys.NewServiceKey("", "", "orders")
	inst := naming.NewInstance(svcKey, ip, 8080)
	inst.LastHeartbeat = time.Now().UnixMilli()
	return inst
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSenderBatchesWithinWindow(t *testing.T) {
	client := &fakeRouteClient{}
	cfg := DefaultConfig()
	cfg.BatchWindow = 20 * time.Millisecond
	s := newTestSender(t, client, cfg)

	s.ReplicateUpdate(testInstance("10.0.0.1"))
	s.ReplicateUpdate(testInstance("10.0.0.2"))
	s.ReplicateRemove(keys.NewServiceKey("", "", "orders"), keys.InstanceShortKey{IP: "10.0.0.3", Port: 8080})

	waitFor(t, func() bool { return len(client.batches(t)) >= 1 })

	batches := client.batches(t)
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want the window to coalesce into 1", len(batches))
	}
	b := batches[0]
	if len(b.UpdateInstances) != 2 || len(b.RemoveInstances) != 1 {
		t.Fatalf("batch = %d updates / %d removes, want 2/1", len(b.UpdateInstances), len(b.RemoveInstances))
	}
	if b.Checksum != transport.BatchChecksum(b.UpdateInstances, b.RemoveInstances) {
		t.Fatal("batch checksum does not verify")
	}
	if id, err := b.ExtendInfo.ClusterID(); err != nil || id != 1 {
		t.Fatalf("extend_info cluster_id = %d (%v), want 1", id, err)
	}
}

func TestSenderFlushesWhenBatchFills(t *testing.T) {
	client := &fakeRouteClient{}
	cfg := DefaultConfig()
	cfg.BatchWindow = time.Hour // only the size limit can trigger the flush
	cfg.BatchMaxItems = 2
	s := newTestSender(t, client, cfg)

	s.ReplicateUpdate(testInstance("10.0.0.1"))
	s.ReplicateUpdate(testInstance("10.0.0.2"))

	waitFor(t, func() bool { return len(client.batches(t)) >= 1 })
	if got := len(client.batches(t)[0].UpdateInstances); got != 2 {
		t.Fatalf("batch size = %d, want 2", got)
	}
}

func TestSenderDegradesAndRecovers(t *testing.T) {
	client := &fakeRouteClient{fail: true}
	cfg := DefaultConfig()
	cfg.BatchWindow = 5 * time.Millisecond
	cfg.SendRetries = 1
	cfg.RetryInterval = time.Millisecond
	cfg.DegradedRecheck = 10 * time.Millisecond
	s := newTestSender(t, client, cfg)

	s.ReplicateUpdate(testInstance("10.0.0.1"))

	// The failed batch requeues into the degraded backlog.
	waitFor(t, func() bool { return s.PendingCount(2) >= 1 })

	// Events arriving while degraded accumulate instead of sending.
	s.ReplicateUpdate(testInstance("10.0.0.2"))
	waitFor(t, func() bool { return s.PendingCount(2) >= 2 })
	if len(client.batches(t)) != 0 {
		t.Fatal("no batch should have been delivered while the peer is down")
	}

	// Once the peer answers again, the backlog drains.
	client.setFail(false)
	waitFor(t, func() bool { return len(client.batches(t)) >= 1 && s.PendingCount(2) == 0 })

	var updates int
	for _, b := range client.batches(t) {
		updates += len(b.UpdateInstances)
	}
	if updates != 2 {
		t.Fatalf("delivered updates = %d, want 2 after recovery", updates)
	}
}

func TestSenderReplicateServiceShipsImmediately(t *testing.T) {
	client := &fakeRouteClient{}
	s := newTestSender(t, client, DefaultConfig())

	s.ReplicateService(keys.NewServiceKey("", "", "orders"), 0.5, map[string]string{"env": "prod"})

	waitFor(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.frames) >= 1
	})

	client.mu.Lock()
	frame := client.frames[0]
	client.mu.Unlock()
	if frame.TypeURL != transport.TypeSyncUpdateService {
		t.Fatalf("TypeURL = %q, want %q", frame.TypeURL, transport.TypeSyncUpdateService)
	}
	var req transport.SyncUpdateServiceRequest
	if err := transport.DecodeFrame(frame, &req); err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if req.ServiceName != "orders" || req.ProtectThreshold != 0.5 {
		t.Fatalf("req = %+v", req)
	}
}

package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/regplane/internal/keys"
)

type recordingListener struct {
	mu     sync.Mutex
	gained []int
	lost   []int
}

func (l *recordingListener) RangeGained(_ context.Context, rangeIndex int, _ uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gained = append(l.gained, rangeIndex)
}

func (l *recordingListener) RangeLost(_ context.Context, rangeIndex int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost = append(l.lost, rangeIndex)
}

func (l *recordingListener) snapshot() (gained, lost []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int{}, l.gained...), append([]int{}, l.lost...)
}

func newTestManager(t *testing.T, selfID uint64, peers []uint64, listener OwnershipListener) *Manager {
	t.Helper()
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.PingPeriod = time.Hour // disable background loops racing the test
	m := New(ctx, selfID, peers, cfg, nil, listener, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func TestSoleActiveNodeOwnsEveryRange(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1, nil, nil)

	key := keys.NewServiceKey("public", "DEFAULT_GROUP", "foo")
	if owner := m.OwnerOf(ctx, key); owner != 1 {
		t.Fatalf("owner = %d, want 1", owner)
	}
	if !m.IsOwnedBySelf(ctx, key) {
		t.Fatal("expected self-ownership with no peers")
	}
}

func TestActiveNodeSplitsOwnership(t *testing.T) {
	ctx := context.Background()
	listener := &recordingListener{}
	m := newTestManager(t, 1, nil, listener)
	// New's bootstrap assignment already reported every range as gained.
	gainedAtStart, _ := listener.snapshot()

	m.ActiveNode(ctx, 2)

	var ownedBySelf, ownedByPeer int
	for i := 0; i < 50; i++ {
		key := keys.NewServiceKey("public", "DEFAULT_GROUP", "svc-"+string(rune('a'+i)))
		if m.IsOwnedBySelf(ctx, key) {
			ownedBySelf++
		} else if m.OwnerOf(ctx, key) == 2 {
			ownedByPeer++
		}
	}
	if ownedBySelf == 0 || ownedByPeer == 0 {
		t.Fatalf("expected a split, got self=%d peer=%d", ownedBySelf, ownedByPeer)
	}

	gained, lost := listener.snapshot()
	if len(gained) != len(gainedAtStart) {
		t.Fatalf("self should have only lost ranges to the new peer, gained=%v", gained[len(gainedAtStart):])
	}
	if len(lost) == 0 {
		t.Fatal("expected at least one range lost to the new peer")
	}
}

func TestIsActiveRespectsLivenessWindow(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 1, nil, nil)
	m.liveness = 10 * time.Millisecond

	m.ActiveNode(ctx, 2)
	if !m.IsActive(ctx, 2) {
		t.Fatal("expected peer to be active immediately after ActiveNode")
	}
	time.Sleep(20 * time.Millisecond)
	if m.IsActive(ctx, 2) {
		t.Fatal("expected peer to be inactive after the liveness window elapsed")
	}
}

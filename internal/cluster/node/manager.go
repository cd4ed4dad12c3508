// Package node implements the cluster node manager: peer liveness
// tracking and rendezvous-hash ownership of a fixed number of logical
// ranges, so that exactly one active node is authoritative for any
// given service key at a time.
package node

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"go.uber.org/zap"

	"github.com/wudi/regplane/internal/keys"
)

const (
	defaultRangeCount     = 256
	defaultLivenessWindow = 15 * time.Second
	defaultPingPeriod     = 2 * time.Second
)

// RangeOf returns which of R logical ranges a service key falls into.
func RangeOf(key keys.ServiceKey, rangeCount int) int {
	h := xxhash.Sum64String(key.NamespaceID + "|" + key.Group + "|" + key.ServiceName)
	return int(h % uint64(rangeCount))
}

func rangeKey(rangeIndex int) string {
	return strconv.Itoa(rangeIndex)
}

func nodeKey(clusterID uint64) string {
	return strconv.FormatUint(clusterID, 10)
}

// Pinger sends a Ping(cluster_id) to a peer over the intra-cluster RPC.
// internal/cluster/transport implements this.
type Pinger interface {
	Ping(ctx context.Context, peer uint64, selfClusterID uint64) error
}

// OwnershipListener is notified when this node gains or loses
// authoritative ownership of a range (snapshot catch-up on gain,
// release of authority on loss).
type OwnershipListener interface {
	RangeGained(ctx context.Context, rangeIndex int, fromPeer uint64)
	RangeLost(ctx context.Context, rangeIndex int)
}

// Manager is the cluster node manager actor.
type Manager struct {
	mailbox chan func()
	logger  *zap.Logger

	selfID     uint64
	rangeCount int
	liveness   time.Duration

	lastActiveMs map[uint64]int64 // cluster_id -> last_active_ms; does not include self
	owned        map[int]uint64   // range_index -> owning cluster_id, for every range (self included)

	pinger   Pinger
	listener OwnershipListener

	stopCh chan struct{}
}

// Config tunes the manager.
type Config struct {
	RangeCount     int
	LivenessWindow time.Duration
	PingPeriod     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{RangeCount: defaultRangeCount, LivenessWindow: defaultLivenessWindow, PingPeriod: defaultPingPeriod}
}

// New creates a Manager for selfID, seeded with the known peer list
// (all initially considered active so ownership isn't transiently
// concentrated on self at startup), and starts its mailbox, ping, and
// liveness-sweep loops.
func New(ctx context.Context, selfID uint64, peers []uint64, cfg Config, pinger Pinger, listener OwnershipListener, logger *zap.Logger) *Manager {
	if cfg.RangeCount <= 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{
		mailbox:      make(chan func(), 256),
		logger:       logger,
		selfID:       selfID,
		rangeCount:   cfg.RangeCount,
		liveness:     cfg.LivenessWindow,
		lastActiveMs: make(map[uint64]int64),
		owned:        make(map[int]uint64),
		pinger:       pinger,
		listener:     listener,
		stopCh:       make(chan struct{}),
	}
	now := time.Now().UnixMilli()
	for _, p := range peers {
		if p != selfID {
			m.lastActiveMs[p] = now
		}
	}
	m.recomputeOwnership(ctx)

	go m.run()
	go m.pingLoop(ctx, cfg.PingPeriod)
	go m.livenessSweepLoop(ctx, cfg.PingPeriod)
	return m
}

func (m *Manager) run() {
	for fn := range m.mailbox {
		fn()
	}
}

// Close stops the manager's loops.
func (m *Manager) Close() {
	close(m.stopCh)
	close(m.mailbox)
}

func (m *Manager) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.mailbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveNode marks clusterID as having been heard from just now: every
// ping, sync, or snapshot message from a peer refreshes its liveness.
func (m *Manager) ActiveNode(ctx context.Context, clusterID uint64) {
	if clusterID == m.selfID {
		return
	}
	_ = m.submit(ctx, func() {
		_, wasKnown := m.lastActiveMs[clusterID]
		m.lastActiveMs[clusterID] = time.Now().UnixMilli()
		if !wasKnown {
			m.recomputeOwnership(ctx)
		}
	})
}

// IsActive reports whether clusterID has been heard from within the
// liveness window.
func (m *Manager) IsActive(ctx context.Context, clusterID uint64) bool {
	if clusterID == m.selfID {
		return true
	}
	var active bool
	_ = m.submit(ctx, func() {
		last, ok := m.lastActiveMs[clusterID]
		active = ok && time.Now().UnixMilli()-last < m.liveness.Milliseconds()
	})
	return active
}

// OwnerOf returns the cluster id currently authoritative for key.
func (m *Manager) OwnerOf(ctx context.Context, key keys.ServiceKey) uint64 {
	var owner uint64
	_ = m.submit(ctx, func() {
		owner = m.owned[RangeOf(key, m.rangeCount)]
	})
	return owner
}

// IsOwnedBySelf reports whether this node is authoritative for key.
func (m *Manager) IsOwnedBySelf(ctx context.Context, key keys.ServiceKey) bool {
	return m.OwnerOf(ctx, key) == m.selfID
}

func (m *Manager) activeNodeIDs() []uint64 {
	now := time.Now().UnixMilli()
	ids := []uint64{m.selfID}
	for id, last := range m.lastActiveMs {
		if now-last < m.liveness.Milliseconds() {
			ids = append(ids, id)
		}
	}
	return ids
}

// recomputeOwnership rebuilds the rendezvous hash over currently active
// nodes and diffs it against the previous assignment, firing
// RangeGained/RangeLost for whatever changed.
func (m *Manager) recomputeOwnership(ctx context.Context) {
	active := m.activeNodeIDs()
	nodeNames := make([]string, 0, len(active))
	byName := make(map[string]uint64, len(active))
	for _, id := range active {
		name := nodeKey(id)
		nodeNames = append(nodeNames, name)
		byName[name] = id
	}
	hasher := rendezvous.New(nodeNames, xxhash.Sum64String)

	next := make(map[int]uint64, m.rangeCount)
	for i := 0; i < m.rangeCount; i++ {
		winner := hasher.Lookup(rangeKey(i))
		next[i] = byName[winner]
	}

	prev := m.owned
	m.owned = next

	if m.listener == nil {
		return
	}
	for i := 0; i < m.rangeCount; i++ {
		oldOwner, hadOwner := prev[i]
		newOwner := next[i]
		if hadOwner && oldOwner == newOwner {
			continue
		}
		if oldOwner == m.selfID && newOwner != m.selfID {
			m.listener.RangeLost(ctx, i)
		}
		if newOwner == m.selfID && oldOwner != m.selfID {
			m.listener.RangeGained(ctx, i, oldOwner)
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var peers []uint64
			_ = m.submit(ctx, func() {
				for id := range m.lastActiveMs {
					peers = append(peers, id)
				}
			})
			for _, peer := range peers {
				if m.pinger == nil {
					continue
				}
				if err := m.pinger.Ping(ctx, peer, m.selfID); err != nil {
					m.logger.Debug("cluster ping failed", zap.Uint64("peer", peer), zap.Error(err))
				}
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) livenessSweepLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = m.submit(ctx, func() { m.recomputeOwnership(ctx) })
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ParseClusterID is a small helper for config/CLI wiring: cluster ids
// are plain unsigned integers, carried as strings in every peer
// message's extend_info.
func ParseClusterID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cluster: invalid cluster_id %q: %w", s, err)
	}
	return id, nil
}

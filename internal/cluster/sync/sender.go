// Package sync implements the cluster sync sender: local
// registry writes are fanned out to every peer, buffered per
// destination for up to batch_window_ms or batch_max_items, shipped as
// SyncBatchInstances with deletes ordered before updates, retried on
// failure, and degraded into a bounded pending queue with snapshot
// resync when a peer stays unreachable.
package sync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/regplane/internal/cluster/transport"
	"github.com/wudi/regplane/internal/keys"
	"github.com/wudi/regplane/internal/naming"
	"github.com/wudi/regplane/internal/wire"
)

const (
	defaultBatchWindow     = 100 * time.Millisecond
	defaultBatchMaxItems   = 100
	defaultSendRetries     = 3
	defaultRetryInterval   = time.Second
	defaultPendingLimit    = 10000
	defaultDegradedRecheck = 5 * time.Second
)

// RouteClient ships one frame to a peer; transport.Pool implements it.
type RouteClient interface {
	Route(ctx context.Context, peer uint64, frame *wire.Frame) (*wire.Frame, error)
}

// SnapshotSource supplies the full local instance set for a degraded
// peer's resync; naming.Registry implements it.
type SnapshotSource interface {
	SnapshotMatching(ctx context.Context, match func(keys.ServiceKey) bool) ([]naming.Instance, error)
}

// Config tunes the sender.
type Config struct {
	BatchWindow     time.Duration
	BatchMaxItems   int
	SendRetries     int
	RetryInterval   time.Duration
	PendingLimit    int
	DegradedRecheck time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchWindow:     defaultBatchWindow,
		BatchMaxItems:   defaultBatchMaxItems,
		SendRetries:     defaultSendRetries,
		RetryInterval:   defaultRetryInterval,
		PendingLimit:    defaultPendingLimit,
		DegradedRecheck: defaultDegradedRecheck,
	}
}

type event struct {
	remove   bool
	instance transport.SyncInstance
}

type peerState struct {
	id           uint64
	buf          []event
	pending      []event // degraded backlog, bounded to PendingLimit
	degraded     bool
	resyncNeeded bool
	inFlight     bool
	timerSet     bool
}

// Sender is the cluster sync sender actor. It implements
// naming.Replicator; the registry calls it from its own mailbox, so
// every method returns immediately after posting to the sender's.
type Sender struct {
	mailbox chan func()
	cfg     Config
	client  RouteClient
	source  SnapshotSource
	selfID  uint64
	peers   map[uint64]*peerState
	logger  *zap.Logger
	stopCh  chan struct{}
}

// New creates a Sender for the given peer set and starts its mailbox.
func New(selfID uint64, peerIDs []uint64, cfg Config, client RouteClient, source SnapshotSource, logger *zap.Logger) *Sender {
	if cfg.BatchMaxItems <= 0 {
		cfg = DefaultConfig()
	}
	s := &Sender{
		mailbox: make(chan func(), 4096),
		cfg:     cfg,
		client:  client,
		source:  source,
		selfID:  selfID,
		peers:   make(map[uint64]*peerState),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	for _, id := range peerIDs {
		if id != selfID {
			s.peers[id] = &peerState{id: id}
		}
	}
	go s.run()
	return s
}

func (s *Sender) run() {
	for fn := range s.mailbox {
		fn()
	}
}

// Close stops the sender. In-flight batches finish on their own goroutines.
func (s *Sender) Close() {
	close(s.stopCh)
	close(s.mailbox)
}

// post enqueues work onto the actor without ever blocking the caller
// (the registry's mailbox must not stall on a slow peer); overload is
// logged and dropped, and the periodic resync path repairs the gap.
func (s *Sender) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.stopCh:
	default:
		s.logger.Warn("cluster sync: mailbox full, dropping event")
	}
}

// ReplicateUpdate implements naming.Replicator.
func (s *Sender) ReplicateUpdate(inst naming.Instance) {
	ev := event{instance: transport.FromInstance(inst)}
	s.post(func() { s.enqueueAll(ev) })
}

// ReplicateRemove implements naming.Replicator.
func (s *Sender) ReplicateRemove(svcKey keys.ServiceKey, short keys.InstanceShortKey) {
	ev := event{remove: true, instance: transport.SyncInstance{
		NamespaceID: svcKey.NamespaceID,
		GroupName:   svcKey.Group,
		ServiceName: svcKey.ServiceName,
		IP:          short.IP,
		Port:        short.Port,
	}}
	s.post(func() { s.enqueueAll(ev) })
}

// ReplicateService implements naming.Replicator: service-level metadata
// is small and rare, so it ships immediately rather than batching.
func (s *Sender) ReplicateService(svcKey keys.ServiceKey, protectThreshold float64, metadata map[string]string) {
	req := transport.SyncUpdateServiceRequest{
		ExtendInfo:       transport.NewExtendInfo(s.selfID),
		NamespaceID:      svcKey.NamespaceID,
		GroupName:        svcKey.Group,
		ServiceName:      svcKey.ServiceName,
		ProtectThreshold: protectThreshold,
		Metadata:         metadata,
	}
	frame, err := transport.EncodeFrame(transport.TypeSyncUpdateService, req)
	if err != nil {
		s.logger.Error("cluster sync: encode service update", zap.Error(err))
		return
	}
	s.post(func() {
		for peer := range s.peers {
			go func(peer uint64) {
				if _, err := s.client.Route(context.Background(), peer, frame); err != nil {
					s.logger.Warn("cluster sync: service update failed",
						zap.Uint64("peer", peer), zap.Error(err))
				}
			}(peer)
		}
	})
}

func (s *Sender) enqueueAll(ev event) {
	for _, p := range s.peers {
		s.enqueue(p, ev)
	}
}

func (s *Sender) enqueue(p *peerState, ev event) {
	if p.degraded {
		p.pending = append(p.pending, ev)
		if len(p.pending) > s.cfg.PendingLimit {
			// Oldest items drop; only a snapshot resync can repair
			// what was lost.
			p.pending = p.pending[len(p.pending)-s.cfg.PendingLimit:]
			p.resyncNeeded = true
		}
		return
	}

	p.buf = append(p.buf, ev)
	if len(p.buf) >= s.cfg.BatchMaxItems {
		s.flush(p)
		return
	}
	if !p.timerSet {
		p.timerSet = true
		time.AfterFunc(s.cfg.BatchWindow, func() {
			s.post(func() {
				p.timerSet = false
				s.flush(p)
			})
		})
	}
}

func (s *Sender) flush(p *peerState) {
	if p.inFlight || len(p.buf) == 0 {
		return
	}
	batch := p.buf
	p.buf = nil
	p.inFlight = true
	go s.send(p.id, batch)
}

func buildBatch(selfID uint64, batch []event) transport.SyncBatchInstancesRequest {
	req := transport.SyncBatchInstancesRequest{ExtendInfo: transport.NewExtendInfo(selfID)}
	for _, ev := range batch {
		if ev.remove {
			req.RemoveInstances = append(req.RemoveInstances, ev.instance)
		} else {
			req.UpdateInstances = append(req.UpdateInstances, ev.instance)
		}
	}
	req.Checksum = transport.BatchChecksum(req.UpdateInstances, req.RemoveInstances)
	return req
}

// send runs off the actor goroutine: the first attempt plus up to
// SendRetries retries spaced by RetryInterval; if all fail, the batch is
// requeued and the peer degraded.
func (s *Sender) send(peer uint64, batch []event) {
	frame, err := transport.EncodeFrame(transport.TypeSyncBatchInstances, buildBatch(s.selfID, batch))
	if err != nil {
		s.logger.Error("cluster sync: encode batch", zap.Error(err))
		s.post(func() { s.onSendDone(peer, nil, true) })
		return
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), uint64(s.cfg.SendRetries))
	err = backoff.Retry(func() error {
		_, routeErr := s.client.Route(context.Background(), peer, frame)
		return routeErr
	}, bo)

	if err != nil {
		s.logger.Warn("cluster sync: batch failed, degrading peer",
			zap.Uint64("peer", peer), zap.Int("items", len(batch)), zap.Error(err))
		s.post(func() { s.onSendDone(peer, batch, false) })
		return
	}
	s.post(func() { s.onSendDone(peer, nil, true) })
}

func (s *Sender) onSendDone(peer uint64, failedBatch []event, ok bool) {
	p, known := s.peers[peer]
	if !known {
		return
	}
	p.inFlight = false

	if !ok {
		p.degraded = true
		p.pending = append(failedBatch, p.pending...)
		if len(p.pending) > s.cfg.PendingLimit {
			// Oldest items drop; only a snapshot resync can repair
			// what was lost.
			p.pending = p.pending[len(p.pending)-s.cfg.PendingLimit:]
			p.resyncNeeded = true
		}
		time.AfterFunc(s.cfg.DegradedRecheck, func() {
			s.post(func() { s.drainDegraded(p) })
		})
		return
	}

	if p.degraded {
		if len(p.pending) > 0 {
			s.drainDegraded(p) // peer answered: keep draining the backlog
			return
		}
		s.recoverPeer(p)
	}
	s.flush(p) // anything accumulated while in flight
}

// drainDegraded probes the peer with the next backlog chunk; a success
// keeps draining through onSendDone, a failure re-arms the recheck.
func (s *Sender) drainDegraded(p *peerState) {
	if !p.degraded || p.inFlight {
		return
	}
	if len(p.pending) == 0 {
		s.recoverPeer(p)
		s.flush(p)
		return
	}
	n := len(p.pending)
	if n > s.cfg.BatchMaxItems {
		n = s.cfg.BatchMaxItems
	}
	batch := p.pending[:n:n]
	p.pending = p.pending[n:]
	p.inFlight = true
	go s.send(p.id, batch)
}

// recoverPeer clears degraded state; if items were dropped while the
// peer was away, a full snapshot of local state is replayed as updates.
func (s *Sender) recoverPeer(p *peerState) {
	p.degraded = false
	if !p.resyncNeeded {
		return
	}
	p.resyncNeeded = false
	s.logger.Info("cluster sync: scheduling snapshot resync", zap.Uint64("peer", p.id))
	go func(peer uint64) {
		instances, err := s.source.SnapshotMatching(context.Background(), nil)
		if err != nil {
			s.logger.Error("cluster sync: resync snapshot", zap.Error(err))
			return
		}
		for _, inst := range instances {
			s.ReplicateUpdate(inst)
		}
	}(p.id)
}

// PendingCount reports the degraded backlog for one peer, for tests
// and metrics.
func (s *Sender) PendingCount(peer uint64) int {
	res := make(chan int, 1)
	s.post(func() {
		if p, ok := s.peers[peer]; ok {
			res <- len(p.pending) + len(p.buf)
		} else {
			res <- 0
		}
	})
	select {
	case n := <-res:
		return n
	case <-time.After(time.Second):
		return 0
	}
}

// Package bistream implements the bi-stream manager: the
// per-connection gRPC stream registry that multiplexes client requests
// through internal/protocol and pushes server-initiated notifications
// (config change, service change) with request-id correlated acks.
//
// Each stream runs a recv goroutine feeding a select loop that is the
// stream's single writer. The connection map is guarded by a plain
// mutex rather than a mailbox: it is written from every stream's own
// goroutine, not owned by one.
package bistream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/regplane/internal/configsub"
	"github.com/wudi/regplane/internal/keys"
	"github.com/wudi/regplane/internal/naming"
	"github.com/wudi/regplane/internal/namingsub"
	"github.com/wudi/regplane/internal/protocol"
	"github.com/wudi/regplane/internal/wire"
)

const (
	defaultAckTimeout     = 3 * time.Second
	defaultAckRetries     = 2
	defaultRetryInterval  = time.Second
	defaultIdleTimeout    = 30 * time.Second
	defaultIdleCheckEvery = 5 * time.Second
	defaultOutboxSize     = 1024
)

// Config tunes the manager's timing and backpressure parameters.
type Config struct {
	AckTimeout     time.Duration
	AckRetries     int
	RetryInterval  time.Duration
	IdleTimeout    time.Duration
	IdleCheckEvery time.Duration
	OutboxSize     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:     defaultAckTimeout,
		AckRetries:     defaultAckRetries,
		RetryInterval:  defaultRetryInterval,
		IdleTimeout:    defaultIdleTimeout,
		IdleCheckEvery: defaultIdleCheckEvery,
		OutboxSize:     defaultOutboxSize,
	}
}

type ackKey struct {
	ClientID  string
	RequestID string
}

// conn is one live bi-stream connection's mutable state. lastActivityMs
// is written from the connection's own select loop and read from the
// idle-reap ticker on the same loop, so no atomic is needed; touch and
// the idle check both run on conn's single goroutine.
type conn struct {
	clientID string
	outbox   chan *wire.Frame

	closeOnce      sync.Once
	closed         chan struct{}
	lastActivityMs int64
}

func newConn(clientID string, outboxSize int) *conn {
	return &conn{
		clientID:       clientID,
		outbox:         make(chan *wire.Frame, outboxSize),
		closed:         make(chan struct{}),
		lastActivityMs: time.Now().UnixMilli(),
	}
}

func (c *conn) touch() { c.lastActivityMs = time.Now().UnixMilli() }

func (c *conn) forceClose() { c.closeOnce.Do(func() { close(c.closed) }) }

// enqueue is the StreamHandle's non-blocking send(payload): a full
// outbox means the connection can't keep up and is force-closed so the
// client is required to reconnect and resubscribe.
func (c *conn) enqueue(frame *wire.Frame) bool {
	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

// Manager is the bi-stream manager actor. It implements
// wire.BiStreamServiceServer (inbound RPC), configsub.Notifier (config
// push) and namingsub.PushTarget (service push).
type Manager struct {
	mu         sync.Mutex
	conns      map[string]*conn
	pendingAck map[ackKey]chan *wire.Frame

	adapter        *protocol.Adapter
	configSub      *configsub.Index
	namingSub      *namingsub.Index
	namingRegistry *naming.Registry
	logger         *zap.Logger

	cfg Config

	wire.UnimplementedBiStreamServiceServer
}

// NewManager builds a Manager. Callers are responsible for wiring it as
// the push collaborator on configSub and namingSub (SetNotifier/Wire) —
// kept out of this constructor to avoid an import cycle between the
// subscriber indices and this package.
func NewManager(adapter *protocol.Adapter, configSub *configsub.Index, namingSub *namingsub.Index, namingRegistry *naming.Registry, cfg Config, logger *zap.Logger) *Manager {
	if cfg.AckTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		conns:          make(map[string]*conn),
		pendingAck:     make(map[ackKey]chan *wire.Frame),
		adapter:        adapter,
		configSub:      configSub,
		namingSub:      namingSub,
		namingRegistry: namingRegistry,
		logger:         logger,
		cfg:            cfg,
	}
}

// BiStream serves one bidirectional stream end to end: registers the
// connection, runs the recv-goroutine/select-loop pair, and on return
// tears down every subscription and instance bound to this client.
func (m *Manager) BiStream(stream wire.BiStreamService_BiStreamServer) error {
	clientID := uuid.NewString()
	c := newConn(clientID, m.cfg.OutboxSize)

	m.mu.Lock()
	m.conns[clientID] = c
	m.mu.Unlock()

	defer m.removeClient(clientID)

	type recvResult struct {
		frame *wire.Frame
		err   error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				recvCh <- recvResult{err: err}
				return
			}
			recvCh <- recvResult{frame: frame}
		}
	}()

	idleTicker := time.NewTicker(m.cfg.IdleCheckEvery)
	defer idleTicker.Stop()

	for {
		select {
		case frame := <-c.outbox:
			if err := stream.Send(frame); err != nil {
				return nil
			}

		case res := <-recvCh:
			if res.err != nil {
				return nil
			}
			c.touch()
			m.handleInbound(stream, c, res.frame)

		case <-idleTicker.C:
			if time.Now().UnixMilli()-c.lastActivityMs > m.cfg.IdleTimeout.Milliseconds() {
				m.logger.Info("bistream: closing idle connection", zap.String("client_id", clientID))
				return nil
			}

		case <-c.closed:
			return nil

		case <-stream.Context().Done():
			return nil
		}
	}
}

func (m *Manager) handleInbound(stream wire.BiStreamService_BiStreamServer, c *conn, frame *wire.Frame) {
	m.mu.Lock()
	sink, isAck := m.pendingAck[ackKey{ClientID: c.clientID, RequestID: frame.RequestID}]
	m.mu.Unlock()
	if isAck {
		select {
		case sink <- frame:
		default:
		}
		return
	}

	meta := protocol.RequestMeta{ConnectionID: c.clientID, ClientID: c.clientID}
	resp := m.adapter.Dispatch(stream.Context(), meta, frame)
	if err := stream.Send(resp); err != nil {
		c.forceClose()
	}
}

func (m *Manager) removeClient(clientID string) {
	m.mu.Lock()
	delete(m.conns, clientID)
	for key := range m.pendingAck {
		if key.ClientID == clientID {
			delete(m.pendingAck, key)
		}
	}
	m.mu.Unlock()

	m.configSub.RemoveClientSubscribe(clientID)
	m.namingSub.RemoveClientSubscribe(clientID)
	_ = m.namingRegistry.RemoveClient(context.Background(), clientID)
}

// pushNotification sends a server-initiated notification and waits for
// the client's ack, retrying on timeout up to cfg.AckRetries times
// before marking the connection unhealthy and force-closing it.
func (m *Manager) pushNotification(clientID, typeURL string, payload any) {
	m.mu.Lock()
	c, ok := m.conns[clientID]
	m.mu.Unlock()
	if !ok {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("bistream: marshal push payload", zap.Error(err))
		return
	}

	for attempt := 0; attempt <= m.cfg.AckRetries; attempt++ {
		requestID := uuid.NewString()
		sink := make(chan *wire.Frame, 1)
		key := ackKey{ClientID: clientID, RequestID: requestID}

		m.mu.Lock()
		m.pendingAck[key] = sink
		m.mu.Unlock()

		if !c.enqueue(&wire.Frame{TypeURL: typeURL, RequestID: requestID, Body: body}) {
			m.mu.Lock()
			delete(m.pendingAck, key)
			m.mu.Unlock()
			c.forceClose()
			return
		}

		select {
		case <-sink:
			m.mu.Lock()
			delete(m.pendingAck, key)
			m.mu.Unlock()
			return

		case <-time.After(m.cfg.AckTimeout):
			m.mu.Lock()
			delete(m.pendingAck, key)
			m.mu.Unlock()
			if attempt < m.cfg.AckRetries {
				time.Sleep(m.cfg.RetryInterval)
			}

		case <-c.closed:
			m.mu.Lock()
			delete(m.pendingAck, key)
			m.mu.Unlock()
			return
		}
	}

	m.logger.Warn("bistream: connection unresponsive, closing", zap.String("client_id", clientID), zap.String("type_url", typeURL))
	c.forceClose()
}

// NotifyConfigChange implements configsub.Notifier.
func (m *Manager) NotifyConfigChange(key keys.ConfigKey, clientIDs []string) {
	payload := protocol.ConfigChangeNotifyRequest{DataID: key.DataID, Group: key.Group, Tenant: key.Tenant}
	for _, clientID := range clientIDs {
		go m.pushNotification(clientID, "ConfigChangeNotifyRequest", payload)
	}
}

// NotifyService implements namingsub.PushTarget.
func (m *Manager) NotifyService(_ keys.ServiceKey, clientIDs []string, info naming.ServiceInfo) {
	payload := protocol.NotifySubscriberRequest{ServiceInfo: protocol.ServiceInfoToDTO(info)}
	for _, clientID := range clientIDs {
		go m.pushNotification(clientID, "NotifySubscriberRequest", payload)
	}
}

// ConnectionCount reports how many streams are currently registered,
// for metrics.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

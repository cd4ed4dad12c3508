// Package namingsub is the naming subscriber and delay-notify actor:
// a bidirectional client/ServiceKey index like
// internal/configsub, but with notifications coalesced into a single
// push per key within a configurable window (default 500ms), each
// carrying a fresh instance-list snapshot.
package namingsub

import (
	"context"
	"sync"
	"time"

	"github.com/wudi/regplane/internal/keys"
	"github.com/wudi/regplane/internal/naming"
)

// PushTarget delivers a coalesced service-change notification to a set
// of client ids. internal/bistream's Manager implements this.
type PushTarget interface {
	NotifyService(key keys.ServiceKey, clientIDs []string, info naming.ServiceInfo)
}

// SnapshotProvider supplies the fresh instance list at flush time.
// internal/naming's Registry implements this.
type SnapshotProvider interface {
	GetServiceInfo(ctx context.Context, key keys.ServiceKey, clustersFilter string, onlyHealthy bool) (naming.ServiceInfo, error)
}

// Index is the naming subscriber: bidirectional listener/client_keys
// maps plus a per-key coalescing timer.
type Index struct {
	mu         sync.Mutex
	listener   map[keys.ServiceKey]map[string]struct{}
	clientKeys map[string]map[keys.ServiceKey]struct{}
	pending    map[keys.ServiceKey]*time.Timer

	window   time.Duration
	snapshot SnapshotProvider
	push     PushTarget
}

// New creates an Index with the given coalescing window.
func New(window time.Duration) *Index {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	return &Index{
		listener:   make(map[keys.ServiceKey]map[string]struct{}),
		clientKeys: make(map[string]map[keys.ServiceKey]struct{}),
		pending:    make(map[keys.ServiceKey]*time.Timer),
		window:     window,
	}
}

// Wire supplies the snapshot provider and push target; until called,
// NotifyServiceChange schedules timers that flush to a no-op.
func (idx *Index) Wire(snapshot SnapshotProvider, push PushTarget) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.snapshot = snapshot
	idx.push = push
}

// AddSubscribe registers clientID as listening on each key.
func (idx *Index) AddSubscribe(clientID string, svcKeys []keys.ServiceKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, key := range svcKeys {
		set, ok := idx.listener[key]
		if !ok {
			set = make(map[string]struct{})
			idx.listener[key] = set
		}
		set[clientID] = struct{}{}
	}
	set, ok := idx.clientKeys[clientID]
	if !ok {
		set = make(map[keys.ServiceKey]struct{})
		idx.clientKeys[clientID] = set
	}
	for _, key := range svcKeys {
		set[key] = struct{}{}
	}
}

// RemoveSubscribe unregisters clientID from each key, pruning empty sets.
func (idx *Index) RemoveSubscribe(clientID string, svcKeys []keys.ServiceKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var removeKeys []keys.ServiceKey
	for _, key := range svcKeys {
		set, ok := idx.listener[key]
		if !ok {
			continue
		}
		delete(set, clientID)
		if len(set) == 0 {
			removeKeys = append(removeKeys, key)
		}
	}
	for _, key := range removeKeys {
		delete(idx.listener, key)
	}

	if set, ok := idx.clientKeys[clientID]; ok {
		for _, key := range svcKeys {
			delete(set, key)
		}
		if len(set) == 0 {
			delete(idx.clientKeys, clientID)
		}
	}
}

// RemoveClientSubscribe unregisters every key clientID was listening on.
func (idx *Index) RemoveClientSubscribe(clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	set, ok := idx.clientKeys[clientID]
	if !ok {
		return
	}
	delete(idx.clientKeys, clientID)

	var removeKeys []keys.ServiceKey
	for key := range set {
		listenSet, ok := idx.listener[key]
		if !ok {
			continue
		}
		delete(listenSet, clientID)
		if len(listenSet) == 0 {
			removeKeys = append(removeKeys, key)
		}
	}
	for _, key := range removeKeys {
		delete(idx.listener, key)
	}
}

// NotifyServiceChange implements naming.Notifier: it schedules (but
// does not duplicate) a coalescing flush for key.
func (idx *Index) NotifyServiceChange(key keys.ServiceKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, scheduled := idx.pending[key]; scheduled {
		return
	}
	idx.pending[key] = time.AfterFunc(idx.window, func() { idx.flush(key) })
}

func (idx *Index) flush(key keys.ServiceKey) {
	idx.mu.Lock()
	delete(idx.pending, key)
	set, ok := idx.listener[key]
	var clientIDs []string
	if ok {
		clientIDs = make([]string, 0, len(set))
		for clientID := range set {
			clientIDs = append(clientIDs, clientID)
		}
	}
	snapshot, push := idx.snapshot, idx.push
	idx.mu.Unlock()

	if len(clientIDs) == 0 || snapshot == nil || push == nil {
		return
	}
	info, err := snapshot.GetServiceInfo(context.Background(), key, "", false)
	if err != nil {
		return
	}
	push.NotifyService(key, clientIDs, info)
}

// ListenerCount reports how many clients are listening on key.
func (idx *Index) ListenerCount(key keys.ServiceKey) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.listener[key])
}

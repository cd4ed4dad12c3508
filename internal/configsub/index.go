// Package configsub is the config subscriber index: a bidirectional
// map between config keys and the client connection ids listening on
// them. Unlike internal/namingsub, Notify here is non-coalescing —
// every change fires immediately.
package configsub

import (
	"sync"

	"github.com/wudi/regplane/internal/keys"
)

// Notifier pushes a config-change notification to a set of client ids.
// internal/bistream's Manager implements this.
type Notifier interface {
	NotifyConfigChange(key keys.ConfigKey, clientIDs []string)
}

// Index tracks which client ids are subscribed to which config keys.
// Not safe for concurrent external mutation outside its own lock; it is
// intended to be owned by the config store's single actor goroutine,
// but the lock is kept because notify-on-read can race with an
// in-flight subscribe from the bi-stream manager's own goroutines.
type Index struct {
	mu         sync.Mutex
	listener   map[keys.ConfigKey]map[string]struct{}
	clientKeys map[string]map[keys.ConfigKey]struct{}
	notifier   Notifier
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		listener:   make(map[keys.ConfigKey]map[string]struct{}),
		clientKeys: make(map[string]map[keys.ConfigKey]struct{}),
	}
}

// SetNotifier wires the push collaborator; notifications are no-ops
// until this is called.
func (idx *Index) SetNotifier(n Notifier) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.notifier = n
}

// AddSubscribe registers clientID as listening on each key in items.
func (idx *Index) AddSubscribe(clientID string, items []keys.ConfigKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, key := range items {
		set, ok := idx.listener[key]
		if !ok {
			set = make(map[string]struct{})
			idx.listener[key] = set
		}
		set[clientID] = struct{}{}
	}

	set, ok := idx.clientKeys[clientID]
	if !ok {
		set = make(map[keys.ConfigKey]struct{})
		idx.clientKeys[clientID] = set
	}
	for _, key := range items {
		set[key] = struct{}{}
	}
}

// RemoveSubscribe unregisters clientID from each key in items, pruning
// empty sets from both maps.
func (idx *Index) RemoveSubscribe(clientID string, items []keys.ConfigKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeSubscribeLocked(clientID, items)
}

func (idx *Index) removeSubscribeLocked(clientID string, items []keys.ConfigKey) {
	var removeKeys []keys.ConfigKey
	for _, key := range items {
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
		for _, key := range items {
			delete(set, key)
		}
		if len(set) == 0 {
			delete(idx.clientKeys, clientID)
		}
	}
}

// RemoveClientSubscribe unregisters every key clientID was listening on
// (connection teardown).
func (idx *Index) RemoveClientSubscribe(clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	set, ok := idx.clientKeys[clientID]
	if !ok {
		return
	}
	delete(idx.clientKeys, clientID)

	var removeKeys []keys.ConfigKey
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

// RemoveConfigKey drops all subscriptions on key, pruning affected
// clients' reverse index too. Config deletion does NOT call this —
// subscriptions follow the connection lifecycle, not the key's.
func (idx *Index) RemoveConfigKey(key keys.ConfigKey) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	set, ok := idx.listener[key]
	if !ok {
		return
	}
	delete(idx.listener, key)

	var removeClients []string
	for clientID := range set {
		clientSet, ok := idx.clientKeys[clientID]
		if !ok {
			continue
		}
		delete(clientSet, key)
		if len(clientSet) == 0 {
			removeClients = append(removeClients, clientID)
		}
	}
	for _, clientID := range removeClients {
		delete(idx.clientKeys, clientID)
	}
}

// Notify snapshots the current listeners on key and hands the list off
// to the wired Notifier. Snapshotting under the lock means the push
// itself happens outside it.
func (idx *Index) Notify(key keys.ConfigKey) {
	idx.mu.Lock()
	set, ok := idx.listener[key]
	notifier := idx.notifier
	var clientIDs []string
	if ok {
		clientIDs = make([]string, 0, len(set))
		for clientID := range set {
			clientIDs = append(clientIDs, clientID)
		}
	}
	idx.mu.Unlock()

	if notifier == nil || len(clientIDs) == 0 {
		return
	}
	notifier.NotifyConfigChange(key, clientIDs)
}

// ListenerCount reports how many clients are listening on key, mostly
// for tests and metrics.
func (idx *Index) ListenerCount(key keys.ConfigKey) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.listener[key])
}

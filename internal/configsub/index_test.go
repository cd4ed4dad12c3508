package configsub

import (
	"sort"
	"testing"

	"github.com/wudi/regplane/internal/keys"
)

type recordingNotifier struct {
	calls [][]string
}

func (r *recordingNotifier) NotifyConfigChange(key keys.ConfigKey, clientIDs []string) {
	sorted := append([]string{}, clientIDs...)
	sort.Strings(sorted)
	r.calls = append(r.calls, sorted)
}

func TestAddAndNotify(t *testing.T) {
	idx := New()
	n := &recordingNotifier{}
	idx.SetNotifier(n)

	k := keys.NewConfigKey("app.yaml", "DEFAULT_GROUP", "")
	idx.AddSubscribe("client-a", []keys.ConfigKey{k})
	idx.AddSubscribe("client-b", []keys.ConfigKey{k})

	if got := idx.ListenerCount(k); got != 2 {
		t.Fatalf("ListenerCount = %d, want 2", got)
	}

	idx.Notify(k)
	if len(n.calls) != 1 {
		t.Fatalf("expected one notify call, got %d", len(n.calls))
	}
	if want := []string{"client-a", "client-b"}; !equal(n.calls[0], want) {
		t.Fatalf("notify clients = %v, want %v", n.calls[0], want)
	}
}

func TestRemoveSubscribePrunesEmptySets(t *testing.T) {
	idx := New()
	k := keys.NewConfigKey("app.yaml", "DEFAULT_GROUP", "")
	idx.AddSubscribe("client-a", []keys.ConfigKey{k})
	idx.RemoveSubscribe("client-a", []keys.ConfigKey{k})

	if got := idx.ListenerCount(k); got != 0 {
		t.Fatalf("ListenerCount = %d, want 0 after remove", got)
	}
}

func TestRemoveClientSubscribeClearsAllKeys(t *testing.T) {
	idx := New()
	k1 := keys.NewConfigKey("a.yaml", "DEFAULT_GROUP", "")
	k2 := keys.NewConfigKey("b.yaml", "DEFAULT_GROUP", "")
	idx.AddSubscribe("client-a", []keys.ConfigKey{k1, k2})

	idx.RemoveClientSubscribe("client-a")

	if idx.ListenerCount(k1) != 0 || idx.ListenerCount(k2) != 0 {
		t.Fatalf("expected all listeners cleared after client removal")
	}
}

func TestRemoveConfigKeyPrunesReverseIndex(t *testing.T) {
	idx := New()
	k := keys.NewConfigKey("app.yaml", "DEFAULT_GROUP", "")
	idx.AddSubscribe("client-a", []keys.ConfigKey{k})

	idx.RemoveConfigKey(k)

	if idx.ListenerCount(k) != 0 {
		t.Fatalf("expected listener set removed")
	}
	// client-a's reverse entry should also be gone.
	if _, ok := idx.clientKeys["client-a"]; ok {
		t.Fatalf("expected client-a's reverse entry removed")
	}
	// Re-subscribing starts client-a from a clean slate.
	idx.AddSubscribe("client-a", []keys.ConfigKey{k})
	if idx.ListenerCount(k) != 1 {
		t.Fatalf("ListenerCount after re-subscribe = %d, want 1", idx.ListenerCount(k))
	}
}

func TestNotifyWithoutNotifierIsNoop(t *testing.T) {
	idx := New()
	k := keys.NewConfigKey("app.yaml", "DEFAULT_GROUP", "")
	idx.AddSubscribe("client-a", []keys.ConfigKey{k})
	idx.Notify(k) // must not panic
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

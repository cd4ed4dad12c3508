package naming

import (
	"testing"

	"github.com/wudi/regplane/internal/keys"
)

func testServiceKey() keys.ServiceKey {
	return keys.NewServiceKey("", "", "order-service")
}

func TestUpdateInstanceNewInstanceIncrementsCounters(t *testing.T) {
	svc := newService(testServiceKey())
	inst := NewInstance(testServiceKey(), "10.0.0.1", 8080)

	rtype := svc.updateInstance(inst, nil)
	if rtype != UpdateNew {
		t.Fatalf("rtype = %v, want UpdateNew", rtype)
	}
	if svc.instanceSize != 1 || svc.healthyInstanceSize != 1 {
		t.Fatalf("counters = (%d,%d), want (1,1)", svc.instanceSize, svc.healthyInstanceSize)
	}
}

func TestUpdateInstanceHeartbeatOnlyKeepsOldFields(t *testing.T) {
	svc := newService(testServiceKey())
	inst := NewInstance(testServiceKey(), "10.0.0.1", 8080)
	inst.Metadata = map[string]string{"version": "v1"}
	svc.updateInstance(inst, &UpdateTag{Metadata: true, FromUpdate: false})

	hb := NewInstance(testServiceKey(), "10.0.0.1", 8080)
	hb.Enabled = false // would overwrite if honored
	hb.Metadata = map[string]string{"version": "v2"}
	rtype := svc.updateInstance(hb, &UpdateTag{}) // all-false tag: heartbeat only

	if rtype != UpdateTime {
		t.Fatalf("rtype = %v, want UpdateTime", rtype)
	}
	got := svc.instances[keys.InstanceShortKey{IP: "10.0.0.1", Port: 8080}]
	if !got.Enabled {
		t.Fatalf("Enabled should be preserved from old instance on heartbeat-only update")
	}
	if got.Metadata["version"] != "v1" {
		t.Fatalf("Metadata = %v, want preserved v1", got.Metadata)
	}
}

func TestUpdateInstanceAdminMetadataBecomesPriority(t *testing.T) {
	svc := newService(testServiceKey())
	key := testServiceKey()
	inst := NewInstance(key, "10.0.0.1", 8080)
	svc.updateInstance(inst, nil)

	admin := NewInstance(key, "10.0.0.1", 8080)
	admin.Metadata = map[string]string{"tier": "gold"}
	svc.updateInstance(admin, &UpdateTag{Metadata: true, FromUpdate: true})

	if !svc.existsPriorityMetadata(admin.ShortKey()) {
		t.Fatalf("expected admin metadata write to register as priority metadata")
	}

	// SDK write tries to downgrade metadata; should be overridden by priority.
	sdk := NewInstance(key, "10.0.0.1", 8080)
	sdk.Metadata = map[string]string{"tier": "free"}
	svc.updateInstance(sdk, &UpdateTag{Metadata: true, FromUpdate: false})

	got := svc.instances[admin.ShortKey()]
	if got.Metadata["tier"] != "gold" {
		t.Fatalf("Metadata = %v, want SDK write overridden by priority metadata", got.Metadata)
	}
}

func TestTimeCheckEvictsOfflineAndMarksUnhealthy(t *testing.T) {
	svc := newService(testServiceKey())
	key := testServiceKey()

	// timeinfos must accumulate in non-decreasing time order, so
	// register the oldest heartbeat first.
	offline := NewInstance(key, "10.0.0.3", 8080)
	offline.LastHeartbeat = 1
	svc.updateInstance(offline, nil)

	stale := NewInstance(key, "10.0.0.2", 8080)
	stale.LastHeartbeat = 100
	svc.updateInstance(stale, nil)

	fresh := NewInstance(key, "10.0.0.1", 8080)
	fresh.LastHeartbeat = 1000
	svc.updateInstance(fresh, nil)

	// healthyCutoff=500 (entries <=500 are stale-or-worse), offlineCutoff=50
	removed, updated := svc.timeCheck(500, 50)

	if len(removed) != 1 || removed[0].IP != "10.0.0.3" {
		t.Fatalf("removed = %v, want [10.0.0.3]", removed)
	}
	if len(updated) != 1 || updated[0].IP != "10.0.0.2" {
		t.Fatalf("updated = %v, want [10.0.0.2]", updated)
	}
	if _, ok := svc.instances[keys.InstanceShortKey{IP: "10.0.0.3", Port: 8080}]; ok {
		t.Fatalf("offline instance should have been removed")
	}
	unhealthy := svc.instances[keys.InstanceShortKey{IP: "10.0.0.2", Port: 8080}]
	if unhealthy.Healthy {
		t.Fatalf("stale instance should be marked unhealthy")
	}
}

func TestInstanceListProtectThresholdReturnsAll(t *testing.T) {
	svc := newService(testServiceKey())
	svc.protectThreshold = 0.9 // nearly all instances must be healthy

	key := testServiceKey()
	healthy := NewInstance(key, "10.0.0.1", 8080)
	svc.updateInstance(healthy, nil)

	unhealthy := NewInstance(key, "10.0.0.2", 8080)
	svc.updateInstance(unhealthy, nil)
	svc.markInstanceUnhealthy(unhealthy.ShortKey())

	info := svc.instanceList(nil, true) // caller asked for healthy-only
	if !info.ReachProtectionThreshold {
		t.Fatalf("expected protect-threshold to trip")
	}
	if len(info.Instances) != 2 {
		t.Fatalf("len(Instances) = %d, want 2 (protect threshold returns all)", len(info.Instances))
	}
}

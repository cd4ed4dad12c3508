package metrics

import "testing"

func TestNewRegistersAllCollectors(t *testing.T) {
	r := New()
	r.ConfigCount.Set(3)
	r.ConfigPublishes.Inc()
	r.ServiceCount.Set(1)
	r.InstanceCount.Set(2)
	r.HealthyInstances.Set(2)
	r.RegisterTotal.Inc()
	r.BiStreamConns.Set(1)
	r.ClusterSyncLag.WithLabelValues("node-2").Set(0.5)
	r.ClusterSyncErrors.WithLabelValues("node-2").Inc()

	mfs, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected at least one metric family")
	}
}

// Package metrics exposes the process's Prometheus metrics: config
// store size, naming registry instance/service counts, bi-stream
// connection counts, and cluster sync lag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles all of regplaned's metrics behind one collector
// registry, so cmd/regplaned can wire a single /metrics listener.
type Registry struct {
	reg *prometheus.Registry

	ConfigCount     prometheus.Gauge
	ConfigPublishes prometheus.Counter
	ConfigRemovals  prometheus.Counter

	ServiceCount     prometheus.Gauge
	InstanceCount    prometheus.Gauge
	HealthyInstances prometheus.Gauge
	RegisterTotal    prometheus.Counter
	DeregisterTotal  prometheus.Counter

	BiStreamConns      prometheus.Gauge
	BiStreamPushTotal  prometheus.Counter
	BiStreamAckTimeout prometheus.Counter

	ClusterSyncLag    *prometheus.GaugeVec
	ClusterSyncErrors *prometheus.CounterVec
}

// New builds a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ConfigCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regplane", Subsystem: "config", Name: "entries",
			Help: "Number of distinct config entries held by the config store.",
		}),
		ConfigPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regplane", Subsystem: "config", Name: "publish_total",
			Help: "Total config publish operations.",
		}),
		ConfigRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regplane", Subsystem: "config", Name: "remove_total",
			Help: "Total config remove operations.",
		}),
		ServiceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regplane", Subsystem: "naming", Name: "services",
			Help: "Number of services known to the naming registry.",
		}),
		InstanceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regplane", Subsystem: "naming", Name: "instances",
			Help: "Number of instances known to the naming registry.",
		}),
		HealthyInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regplane", Subsystem: "naming", Name: "healthy_instances",
			Help: "Number of instances currently marked healthy.",
		}),
		RegisterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regplane", Subsystem: "naming", Name: "register_total",
			Help: "Total instance register operations.",
		}),
		DeregisterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regplane", Subsystem: "naming", Name: "deregister_total",
			Help: "Total instance deregister operations.",
		}),
		BiStreamConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "regplane", Subsystem: "bistream", Name: "connections",
			Help: "Number of open client bi-streams.",
		}),
		BiStreamPushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regplane", Subsystem: "bistream", Name: "push_total",
			Help: "Total server-initiated pushes sent over bi-streams.",
		}),
		BiStreamAckTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "regplane", Subsystem: "bistream", Name: "ack_timeout_total",
			Help: "Total pushes that timed out waiting for a client ack.",
		}),
		ClusterSyncLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "regplane", Subsystem: "cluster", Name: "sync_lag_seconds",
			Help: "Seconds since the last successful sync to a peer.",
		}, []string{"peer"}),
		ClusterSyncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regplane", Subsystem: "cluster", Name: "sync_errors_total",
			Help: "Total sync errors per peer.",
		}, []string{"peer"}),
	}

	reg.MustRegister(
		r.ConfigCount, r.ConfigPublishes, r.ConfigRemovals,
		r.ServiceCount, r.InstanceCount, r.HealthyInstances,
		r.RegisterTotal, r.DeregisterTotal,
		r.BiStreamConns, r.BiStreamPushTotal, r.BiStreamAckTimeout,
		r.ClusterSyncLag, r.ClusterSyncErrors,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for the HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

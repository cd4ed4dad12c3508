// Package naming implements the naming registry actor: the
// namespace, service, instance model, the update-tag merge rules, the
// health time-wheel, and protect-threshold queries.
package naming

import (
	"github.com/wudi/regplane/internal/keys"
)

// UpdateInstanceType reports what an update merged as.
type UpdateInstanceType int

const (
	UpdateNone UpdateInstanceType = iota
	UpdateNew
	UpdateValue
	UpdateTime
	UpdateRemove
)

// UpdateTag marks which fields of a new Instance are authoritative.
// An all-false tag means "heartbeat only": only LastHeartbeat refreshes.
type UpdateTag struct {
	Enabled    bool
	Ephemeral  bool
	Weight     bool
	Metadata   bool
	FromUpdate bool // true: admin/console write; false: SDK write
}

// IsNone reports whether the tag carries no authoritative field at all.
func (t UpdateTag) IsNone() bool {
	return !t.Enabled && !t.Ephemeral && !t.Weight && !t.Metadata
}

// Instance is one registered service endpoint.
type Instance struct {
	Service       keys.ServiceKey
	IP            string
	Port          int
	Weight        float64
	Enabled       bool
	Healthy       bool
	Ephemeral     bool
	ClusterName   string
	Metadata      map[string]string
	ClientID      string
	FromGRPC      bool
	FromCluster   uint64 // 0 = local
	LastHeartbeat int64  // unix millis
}

// ShortKey returns the (ip, port) identity of this instance within its service.
func (inst Instance) ShortKey() keys.InstanceShortKey {
	return keys.InstanceShortKey{IP: inst.IP, Port: inst.Port}
}

// NewInstance builds an Instance with default field values; callers
// overwrite fields as needed before calling Registry.Update.
func NewInstance(svc keys.ServiceKey, ip string, port int) Instance {
	return Instance{
		Service:     svc,
		IP:          keys.Intern(ip),
		Port:        port,
		Weight:      1.0,
		Enabled:     true,
		Healthy:     true,
		Ephemeral:   true,
		ClusterName: keys.NormalizeClusterName(""),
		Metadata:    map[string]string{},
	}
}

// InstanceTimeInfo is one time-wheel entry.
type InstanceTimeInfo struct {
	Key    keys.InstanceShortKey
	Time   int64
	Enable bool
}

// ServiceInfo is the read-only projection returned by queries.
type ServiceInfo struct {
	Key                      keys.ServiceKey
	InstanceSize             int64
	HealthyInstanceSize      int64
	Metadata                 map[string]string
	ProtectThreshold         float64
	ReachProtectionThreshold bool
	Instances                []Instance
	CacheMillis              int64
	LastRefTime              int64
	CheckSum                 string
}

// Package keys defines the canonical key and value types shared by the
// config store and the naming registry: config keys, service keys,
// instance keys, and the string interning table used to avoid
// re-allocating the handful of tenant/group/service strings that
// recur across every entry.
package keys

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
)

const (
	publicTenant   = "public"
	defaultGroup   = "DEFAULT_GROUP"
	defaultCluster = "DEFAULT"
)

var internTable sync.Map // map[string]string

// Intern returns a canonical copy of s, so that repeated tenant, group,
// data_id, namespace_id, service_name and cluster_name strings share one
// backing allocation across the whole process.
func Intern(s string) string {
	if s == "" {
		return ""
	}
	if v, ok := internTable.Load(s); ok {
		return v.(string)
	}
	actual, _ := internTable.LoadOrStore(s, s)
	return actual.(string)
}

// NormalizeTenant maps the "public" alias to "" at the boundary; ""
// is the canonical form for the default tenant everywhere inside,
// including the tb_config rows.
func NormalizeTenant(tenant string) string {
	if tenant == publicTenant {
		return ""
	}
	return Intern(tenant)
}

// NormalizeNamespace maps "" to "public" at ingress.
func NormalizeNamespace(namespaceID string) string {
	if namespaceID == "" {
		return publicTenant
	}
	return Intern(namespaceID)
}

// NormalizeGroup maps "" to the default group.
func NormalizeGroup(group string) string {
	if group == "" {
		return defaultGroup
	}
	return Intern(group)
}

// NormalizeClusterName maps "" to the default cluster name.
func NormalizeClusterName(clusterName string) string {
	if clusterName == "" {
		return defaultCluster
	}
	return Intern(clusterName)
}

// ConfigKey identifies a config entry. DataID and Group are interned,
// non-empty strings; Tenant is normalized ("public" -> "") at
// construction, so the default tenant is always "".
type ConfigKey struct {
	DataID string
	Group  string
	Tenant string
}

// NewConfigKey builds a normalized, interned ConfigKey.
func NewConfigKey(dataID, group, tenant string) ConfigKey {
	return ConfigKey{
		DataID: Intern(dataID),
		Group:  Intern(group),
		Tenant: NormalizeTenant(tenant),
	}
}

// ConfigValue is immutable once constructed: MD5 is always recomputed
// from Content, never carried over from a previous value.
type ConfigValue struct {
	Content  string
	MD5      string
	LastTime int64 // unix millis
}

// NewConfigValue computes MD5 over content and stamps lastTime.
func NewConfigValue(content string, lastTime int64) ConfigValue {
	sum := md5.Sum([]byte(content))
	return ConfigValue{
		Content:  content,
		MD5:      hex.EncodeToString(sum[:]),
		LastTime: lastTime,
	}
}

// ConfigHistoryEntry is an append-only history row.
type ConfigHistoryEntry struct {
	Key      ConfigKey
	Content  string
	LastTime int64
}

// ServiceKey identifies a service within a namespace/group.
// NamespaceID "" normalizes to "public"; Group defaults to DEFAULT_GROUP.
type ServiceKey struct {
	NamespaceID string
	Group       string
	ServiceName string
}

// NewServiceKey builds a normalized, interned ServiceKey.
func NewServiceKey(namespaceID, group, serviceName string) ServiceKey {
	return ServiceKey{
		NamespaceID: NormalizeNamespace(namespaceID),
		Group:       NormalizeGroup(group),
		ServiceName: Intern(serviceName),
	}
}

// InstanceShortKey identifies an instance within a service by network
// address alone, independent of which service it belongs to.
type InstanceShortKey struct {
	IP   string
	Port int
}

// InstanceKey is a ServiceKey plus an InstanceShortKey.
type InstanceKey struct {
	Service ServiceKey
	Short   InstanceShortKey
}

// NewInstanceKey builds an InstanceKey from a service key and address.
func NewInstanceKey(svc ServiceKey, ip string, port int) InstanceKey {
	return InstanceKey{
		Service: svc,
		Short:   InstanceShortKey{IP: Intern(ip), Port: port},
	}
}

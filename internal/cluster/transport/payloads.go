// Package transport carries the intra-cluster RPC surface: the JSON
// payloads multiplexed over the unary ClusterRouteService, the
// lazily-dialed peer connection pool, the server-side route handler,
// and the snapshot fetcher that rehydrates a freshly gained range from
// its previous owner.
package transport

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/regplane/internal/keys"
	"github.com/wudi/regplane/internal/naming"
	"github.com/wudi/regplane/internal/wire"
)

// Type-urls of every intra-cluster message.
const (
	TypePing               = "Ping"
	TypeSyncUpdateInstance = "SyncUpdateInstance"
	TypeSyncRemoveInstance = "SyncRemoveInstance"
	TypeSyncUpdateService  = "SyncUpdateService"
	TypeSyncBatchInstances = "SyncBatchInstances"
	TypeQuerySnapshot      = "QuerySnapshot"
	TypeSnapshot           = "Snapshot"
	TypeRouteAck           = "RouteAck"
)

const clusterIDKey = "cluster_id"

// ExtendInfo travels with every cluster message; cluster_id is mandatory.
type ExtendInfo map[string]string

// NewExtendInfo stamps the sender's cluster id.
func NewExtendInfo(clusterID uint64) ExtendInfo {
	return ExtendInfo{clusterIDKey: strconv.FormatUint(clusterID, 10)}
}

// ClusterID extracts the mandatory sender id.
func (e ExtendInfo) ClusterID() (uint64, error) {
	raw, ok := e[clusterIDKey]
	if !ok {
		return 0, fmt.Errorf("transport: extend_info missing %s", clusterIDKey)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("transport: bad %s %q: %w", clusterIDKey, raw, err)
	}
	return id, nil
}

// SyncInstance is the full wire projection of a naming.Instance for
// peer replication; unlike the client-facing InstanceDTO it carries the
// service key, ownership tags, and the heartbeat timestamp the
// last-writer-wins rule compares.
type SyncInstance struct {
	NamespaceID   string            `json:"namespaceId"`
	GroupName     string            `json:"groupName"`
	ServiceName   string            `json:"serviceName"`
	IP            string            `json:"ip"`
	Port          int               `json:"port"`
	Weight        float64           `json:"weight"`
	Enabled       bool              `json:"enabled"`
	Healthy       bool              `json:"healthy"`
	Ephemeral     bool              `json:"ephemeral"`
	ClusterName   string            `json:"clusterName"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ClientID      string            `json:"clientId,omitempty"`
	FromGRPC      bool              `json:"fromGrpc"`
	LastHeartbeat int64             `json:"lastHeartbeat"`
}

// FromInstance projects a registry instance onto the wire.
func FromInstance(inst naming.Instance) SyncInstance {
	return SyncInstance{
		NamespaceID:   inst.Service.NamespaceID,
		GroupName:     inst.Service.Group,
		ServiceName:   inst.Service.ServiceName,
		IP:            inst.IP,
		Port:          inst.Port,
		Weight:        inst.Weight,
		Enabled:       inst.Enabled,
		Healthy:       inst.Healthy,
		Ephemeral:     inst.Ephemeral,
		ClusterName:   inst.ClusterName,
		Metadata:      inst.Metadata,
		ClientID:      inst.ClientID,
		FromGRPC:      inst.FromGRPC,
		LastHeartbeat: inst.LastHeartbeat,
	}
}

// ServiceKey rebuilds the normalized service key.
func (si SyncInstance) ServiceKey() keys.ServiceKey {
	return keys.NewServiceKey(si.NamespaceID, si.GroupName, si.ServiceName)
}

// ShortKey rebuilds the instance address key.
func (si SyncInstance) ShortKey() keys.InstanceShortKey {
	return keys.InstanceShortKey{IP: keys.Intern(si.IP), Port: si.Port}
}

// ToInstance rehydrates a replicated instance, tagging it with the
// source peer and rewriting an empty client_id to "<cluster_id>_G" so a
// later local client disconnect can never evict it.
func (si SyncInstance) ToInstance(fromPeer uint64) naming.Instance {
	inst := naming.NewInstance(si.ServiceKey(), si.IP, si.Port)
	inst.Weight = si.Weight
	inst.Enabled = si.Enabled
	inst.Healthy = si.Healthy
	inst.Ephemeral = si.Ephemeral
	inst.ClusterName = keys.NormalizeClusterName(si.ClusterName)
	if si.Metadata != nil {
		inst.Metadata = si.Metadata
	}
	inst.ClientID = si.ClientID
	if inst.ClientID == "" {
		inst.ClientID = fmt.Sprintf("%d_G", fromPeer)
	}
	inst.FromGRPC = si.FromGRPC
	inst.FromCluster = fromPeer
	inst.LastHeartbeat = si.LastHeartbeat
	return inst
}

// PingRequest is the liveness heartbeat exchanged between peers.
type PingRequest struct {
	ExtendInfo ExtendInfo `json:"extend_info"`
}

// SyncUpdateInstanceRequest replicates one instance write.
type SyncUpdateInstanceRequest struct {
	ExtendInfo ExtendInfo   `json:"extend_info"`
	Instance   SyncInstance `json:"instance"`
}

// SyncRemoveInstanceRequest replicates one instance removal.
type SyncRemoveInstanceRequest struct {
	ExtendInfo ExtendInfo   `json:"extend_info"`
	Instance   SyncInstance `json:"instance"`
}

// SyncUpdateServiceRequest replicates a service-level metadata write.
type SyncUpdateServiceRequest struct {
	ExtendInfo       ExtendInfo        `json:"extend_info"`
	NamespaceID      string            `json:"namespaceId"`
	GroupName        string            `json:"groupName"`
	ServiceName      string            `json:"serviceName"`
	ProtectThreshold float64           `json:"protectThreshold"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// SyncBatchInstancesRequest ships one batched delta; receivers apply
// RemoveInstances before UpdateInstances. Checksum is an
// xxhash over the two instance lists so a corrupted batch is rejected
// rather than partially applied.
type SyncBatchInstancesRequest struct {
	ExtendInfo      ExtendInfo     `json:"extend_info"`
	UpdateInstances []SyncInstance `json:"update_instances"`
	RemoveInstances []SyncInstance `json:"remove_instances"`
	Checksum        uint64         `json:"checksum"`
}

// BatchChecksum computes the integrity hash over a batch's contents.
func BatchChecksum(updates, removes []SyncInstance) uint64 {
	d := xxhash.New()
	enc := json.NewEncoder(d)
	_ = enc.Encode(updates)
	_ = enc.Encode(removes)
	return d.Sum64()
}

// QuerySnapshotRequest asks a peer for every instance in one logical
// range of a Len-range partitioning.
type QuerySnapshotRequest struct {
	ExtendInfo ExtendInfo `json:"extend_info"`
	Index      int        `json:"index"`
	Len        int        `json:"len"`
}

// SnapshotResponse answers QuerySnapshot.
type SnapshotResponse struct {
	ExtendInfo ExtendInfo     `json:"extend_info"`
	Instances  []SyncInstance `json:"instances"`
}

// RouteAck is the generic acknowledgement for cluster messages that
// carry no response payload.
type RouteAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// EncodeFrame marshals v as a frame body under typeURL.
func EncodeFrame(typeURL string, v any) (*wire.Frame, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", typeURL, err)
	}
	return &wire.Frame{TypeURL: typeURL, Body: body}, nil
}

// DecodeFrame unmarshals a frame body into v.
func DecodeFrame(frame *wire.Frame, v any) error {
	if err := json.Unmarshal(frame.Body, v); err != nil {
		return fmt.Errorf("transport: decode %s: %w", frame.TypeURL, err)
	}
	return nil
}

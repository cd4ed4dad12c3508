// Package protocol defines the typed request/response payloads carried
// inside a wire.Frame's JSON body and the dispatch table that maps a
// Frame's type-url to the configstore/naming actor it targets.
package protocol

// SuccessCode is the result_code a healthy response carries.
const SuccessCode = 200

// ServerCheckRequest has no fields; it only probes connectivity.
type ServerCheckRequest struct{}

// ServerCheckResponse echoes the connection id assigned at stream open.
type ServerCheckResponse struct {
	ResultCode   int    `json:"result_code"`
	ConnectionID string `json:"connection_id"`
}

// HealthCheckRequest has no fields.
type HealthCheckRequest struct{}

// HealthCheckResponse reports liveness.
type HealthCheckResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is returned for an unrecognized type-url or a failed
// request.
type ErrorResponse struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// ConfigPublishRequest is a config write.
type ConfigPublishRequest struct {
	DataID  string `json:"data_id"`
	Group   string `json:"group"`
	Tenant  string `json:"tenant"`
	Content string `json:"content"`
}

// ConfigPublishResponse acknowledges a publish.
type ConfigPublishResponse struct {
	Success bool `json:"success"`
}

// ConfigQueryRequest identifies one config entry.
type ConfigQueryRequest struct {
	DataID string `json:"data_id"`
	Group  string `json:"group"`
	Tenant string `json:"tenant"`
}

// ConfigQueryResponse carries the current content and its md5. A miss
// is reported as an ErrorResponse{ErrorCode: 300} instead.
type ConfigQueryResponse struct {
	Content string `json:"content"`
	MD5     string `json:"md5"`
}

// NotFoundCode is the error_code for a config query miss.
const NotFoundCode = 300

// UnknownTypeCode is the error_code for an unrecognized type-url.
const UnknownTypeCode = 302

// ConfigRemoveRequest identifies one config entry to delete.
type ConfigRemoveRequest struct {
	DataID string `json:"data_id"`
	Group  string `json:"group"`
	Tenant string `json:"tenant"`
}

// ConfigRemoveResponse acknowledges a removal.
type ConfigRemoveResponse struct {
	Success bool `json:"success"`
}

// ListenItem is one entry of a batch-listen request.
type ListenItem struct {
	DataID string `json:"data_id"`
	Group  string `json:"group"`
	Tenant string `json:"tenant"`
	MD5    string `json:"md5"`
}

// ConfigBatchListenRequest subscribes (or unsubscribes) the caller to
// a batch of config keys. Listen=false removes the subscription
// instead of registering it.
type ConfigBatchListenRequest struct {
	Listen bool         `json:"listen"`
	Items  []ListenItem `json:"items"`
}

// ChangedConfig names one key whose server md5 differs from the
// caller's reported md5.
type ChangedConfig struct {
	DataID string `json:"dataId"`
	Group  string `json:"group"`
	Tenant string `json:"tenant"`
}

// ConfigChangeBatchListenResponse lists every key that changed.
type ConfigChangeBatchListenResponse struct {
	Changed []ChangedConfig `json:"changed"`
}

// ConfigChangeNotifyRequest is pushed from server to subscriber on a
// config change; it expects a generic ack response.
type ConfigChangeNotifyRequest struct {
	DataID string `json:"dataId"`
	Group  string `json:"group"`
	Tenant string `json:"tenant"`
}

// AckResponse is the generic ack for server-pushed notifications.
type AckResponse struct {
	Success bool `json:"success"`
}

// InstanceDTO is the wire shape of a naming.Instance.
type InstanceDTO struct {
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
	Healthy     bool              `json:"healthy"`
	Ephemeral   bool              `json:"ephemeral"`
	ClusterName string            `json:"clusterName"`
	Metadata    map[string]string `json:"metadata"`
}

// InstanceRequestType names the operation a single-instance request performs.
type InstanceRequestType string

const (
	RegisterInstance   InstanceRequestType = "registerInstance"
	DeregisterInstance InstanceRequestType = "deregisterInstance"
)

// InstanceRequest registers or deregisters one instance.
// UpdateEnabled/UpdateEphemeral/UpdateWeight/UpdateMetadata/FromUpdate
// carry the update-tag that governs merge precedence; a
// deregisterInstance request ignores them.
type InstanceRequest struct {
	Type        InstanceRequestType `json:"type"`
	NamespaceID string              `json:"namespaceId"`
	GroupName   string              `json:"groupName"`
	ServiceName string              `json:"serviceName"`
	Instance    InstanceDTO         `json:"instance"`

	UpdateEnabled   bool `json:"updateEnabled"`
	UpdateEphemeral bool `json:"updateEphemeral"`
	UpdateWeight    bool `json:"updateWeight"`
	UpdateMetadata  bool `json:"updateMetadata"`
	FromUpdate      bool `json:"fromUpdate"`
}

// BatchInstanceRequest registers or deregisters many instances of one
// service in a single call.
type BatchInstanceRequest struct {
	Type        InstanceRequestType `json:"type"`
	NamespaceID string              `json:"namespaceId"`
	GroupName   string              `json:"groupName"`
	ServiceName string              `json:"serviceName"`
	Instances   []InstanceDTO       `json:"instances"`
}

// ServiceInfoDTO is the wire shape of a naming.ServiceInfo.
type ServiceInfoDTO struct {
	NamespaceID              string            `json:"namespaceId"`
	GroupName                string            `json:"groupName"`
	ServiceName              string            `json:"serviceName"`
	InstanceSize             int64             `json:"instanceSize"`
	HealthyInstanceSize      int64             `json:"healthyInstanceSize"`
	Metadata                 map[string]string `json:"metadata"`
	ProtectThreshold         float64           `json:"protectThreshold"`
	ReachProtectionThreshold bool              `json:"reachProtectionThreshold"`
	Instances                []InstanceDTO     `json:"hosts"`
	CacheMillis              int64             `json:"cacheMillis"`
	LastRefTime              int64             `json:"lastRefTime"`
	Checksum                 string            `json:"checksum"`
}

// SubscribeServiceRequest subscribes (or unsubscribes) to push
// notifications for one service, and always returns the current
// snapshot immediately.
type SubscribeServiceRequest struct {
	NamespaceID string `json:"namespaceId"`
	GroupName   string `json:"groupName"`
	ServiceName string `json:"serviceName"`
	Clusters    string `json:"clusters"`
	Subscribe   bool   `json:"subscribe"`
}

// SubscribeServiceResponse carries the current snapshot.
type SubscribeServiceResponse struct {
	ServiceInfo ServiceInfoDTO `json:"serviceInfo"`
}

// ServiceQueryRequest looks up one service's instance list directly
// (no subscription side effect), or lists service names when
// ServiceName is empty.
type ServiceQueryRequest struct {
	NamespaceID string `json:"namespaceId"`
	GroupName   string `json:"groupName"`
	ServiceName string `json:"serviceName"`
	Clusters    string `json:"clusters"`
	OnlyHealthy bool   `json:"healthyOnly"`
	PageNo      int    `json:"pageNo"`
	PageSize    int    `json:"pageSize"`
}

// ServiceQueryResponse carries either a single service snapshot
// (ServiceName set) or a page of service names (ServiceName empty).
type ServiceQueryResponse struct {
	ServiceInfo  *ServiceInfoDTO `json:"serviceInfo,omitempty"`
	Count        int             `json:"count,omitempty"`
	ServiceNames []string        `json:"doms,omitempty"`
}

// NotifySubscriberRequest is pushed from server to subscriber on a
// service change; it expects a generic ack response.
type NotifySubscriberRequest struct {
	ServiceInfo ServiceInfoDTO `json:"serviceInfo"`
}

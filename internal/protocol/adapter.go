package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wudi/regplane/internal/configstore"
	"github.com/wudi/regplane/internal/configsub"
	"github.com/wudi/regplane/internal/keys"
	"github.com/wudi/regplane/internal/naming"
	"github.com/wudi/regplane/internal/namingsub"
	"github.com/wudi/regplane/internal/rerrors"
	"github.com/wudi/regplane/internal/wire"
)

// RequestMeta carries the per-call context a handler needs but that
// isn't part of the payload itself: which connection/client issued the
// request.
type RequestMeta struct {
	ConnectionID string
	ClientID     string
}

// handlerFunc decodes body, performs the operation, and returns the
// response type-url plus an arbitrary value to be JSON-marshaled, or
// an error to be rendered as an ErrorResponse.
type handlerFunc func(ctx context.Context, meta RequestMeta, body []byte) (respTypeURL string, resp any, err error)

type handlerEntry struct {
	typeURL string
	fn      handlerFunc
}

// Adapter is a linear-scan dispatch table from wire.Frame.TypeURL to
// the configstore/naming actor that serves it. The handler count is
// small and fixed, so the scan stays cheaper than it looks.
type Adapter struct {
	handlers []handlerEntry
}

// NewAdapter wires an Adapter against the config and naming actors.
func NewAdapter(configStore *configstore.Store, subIndex *configsub.Index, namingRegistry *naming.Registry, namingSub *namingsub.Index) *Adapter {
	a := &Adapter{}
	a.addHandler("HealthCheckRequest", handleHealthCheck)
	a.addHandler("ConfigQueryRequest", configQueryHandler(configStore))
	a.addHandler("ConfigPublishRequest", configPublishHandler(configStore))
	a.addHandler("ConfigRemoveRequest", configRemoveHandler(configStore))
	a.addHandler("ConfigBatchListenRequest", configBatchListenHandler(configStore, subIndex))
	a.addHandler("InstanceRequest", instanceRequestHandler(namingRegistry))
	a.addHandler("BatchInstanceRequest", batchInstanceRequestHandler(namingRegistry))
	a.addHandler("SubscribeServiceRequest", subscribeServiceHandler(namingRegistry, namingSub))
	a.addHandler("ServiceQueryRequest", serviceQueryHandler(namingRegistry))
	return a
}

func (a *Adapter) addHandler(typeURL string, fn handlerFunc) {
	a.handlers = append(a.handlers, handlerEntry{typeURL: typeURL, fn: fn})
}

func (a *Adapter) matchHandler(typeURL string) handlerFunc {
	for _, h := range a.handlers {
		if h.typeURL == typeURL {
			return h.fn
		}
	}
	return nil
}

// Dispatch handles one request frame and always returns a response
// frame: ServerCheckRequest is answered inline (it needs meta but no
// actor), everything else goes through the handler table, and an
// unrecognized type-url yields error_code=302.
func (a *Adapter) Dispatch(ctx context.Context, meta RequestMeta, req *wire.Frame) *wire.Frame {
	if req.TypeURL == "" {
		return errorFrame(req.RequestID, UnknownTypeCode, "empty type url")
	}
	if req.TypeURL == "ServerCheckRequest" {
		return mustFrame(req.RequestID, "ServerCheckResponse", ServerCheckResponse{
			ResultCode:   SuccessCode,
			ConnectionID: meta.ConnectionID,
		})
	}

	handler := a.matchHandler(req.TypeURL)
	if handler == nil {
		return errorFrame(req.RequestID, UnknownTypeCode, fmt.Sprintf("%s RequestHandler Not Found", req.TypeURL))
	}

	respTypeURL, resp, err := handler(ctx, meta, req.Body)
	if err != nil {
		return errorFrame(req.RequestID, errorCodeOf(err), err.Error())
	}
	return mustFrame(req.RequestID, respTypeURL, resp)
}

func errorCodeOf(err error) int {
	if rerrors.Is(err, rerrors.NotFound) {
		return NotFoundCode
	}
	return 500
}

func mustFrame(requestID, typeURL string, v any) *wire.Frame {
	body, err := json.Marshal(v)
	if err != nil {
		return errorFrame(requestID, 500, "internal: "+err.Error())
	}
	return &wire.Frame{TypeURL: typeURL, RequestID: requestID, Body: body}
}

func errorFrame(requestID string, code int, message string) *wire.Frame {
	body, _ := json.Marshal(ErrorResponse{ErrorCode: code, Message: message})
	return &wire.Frame{TypeURL: "ErrorResponse", RequestID: requestID, Body: body}
}

func handleHealthCheck(_ context.Context, _ RequestMeta, _ []byte) (string, any, error) {
	return "HealthCheckResponse", HealthCheckResponse{Success: true}, nil
}

func configQueryHandler(store *configstore.Store) handlerFunc {
	return func(ctx context.Context, _ RequestMeta, body []byte) (string, any, error) {
		var req ConfigQueryRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", nil, rerrors.New(rerrors.InvalidArgument, "malformed ConfigQueryRequest")
		}
		key := keys.NewConfigKey(req.DataID, req.Group, req.Tenant)
		value, err := store.Query(ctx, key)
		if err != nil {
			return "", nil, err
		}
		return "ConfigQueryResponse", ConfigQueryResponse{Content: value.Content, MD5: value.MD5}, nil
	}
}

func configPublishHandler(store *configstore.Store) handlerFunc {
	return func(ctx context.Context, _ RequestMeta, body []byte) (string, any, error) {
		var req ConfigPublishRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", nil, rerrors.New(rerrors.InvalidArgument, "malformed ConfigPublishRequest")
		}
		if req.DataID == "" {
			return "", nil, rerrors.New(rerrors.InvalidArgument, "data_id is required")
		}
		key := keys.NewConfigKey(req.DataID, req.Group, req.Tenant)
		if _, err := store.Publish(ctx, key, req.Content); err != nil {
			return "", nil, err
		}
		return "ConfigPublishResponse", ConfigPublishResponse{Success: true}, nil
	}
}

func configRemoveHandler(store *configstore.Store) handlerFunc {
	return func(ctx context.Context, _ RequestMeta, body []byte) (string, any, error) {
		var req ConfigRemoveRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", nil, rerrors.New(rerrors.InvalidArgument, "malformed ConfigRemoveRequest")
		}
		key := keys.NewConfigKey(req.DataID, req.Group, req.Tenant)
		if err := store.Remove(ctx, key); err != nil {
			return "", nil, err
		}
		return "ConfigRemoveResponse", ConfigRemoveResponse{Success: true}, nil
	}
}

func configBatchListenHandler(store *configstore.Store, subIndex *configsub.Index) handlerFunc {
	return func(ctx context.Context, meta RequestMeta, body []byte) (string, any, error) {
		var req ConfigBatchListenRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", nil, rerrors.New(rerrors.InvalidArgument, "malformed ConfigBatchListenRequest")
		}

		itemKeys := make([]keys.ConfigKey, 0, len(req.Items))
		for _, item := range req.Items {
			itemKeys = append(itemKeys, keys.NewConfigKey(item.DataID, item.Group, item.Tenant))
		}

		if !req.Listen {
			subIndex.RemoveSubscribe(meta.ClientID, itemKeys)
			return "ConfigChangeBatchListenResponse", ConfigChangeBatchListenResponse{}, nil
		}

		items := make([]configstore.ListenItem, 0, len(req.Items))
		for i, item := range req.Items {
			items = append(items, configstore.ListenItem{Key: itemKeys[i], MD5: item.MD5})
		}
		changed, err := store.BatchListen(ctx, meta.ClientID, items)
		if err != nil {
			return "", nil, err
		}

		resp := ConfigChangeBatchListenResponse{Changed: make([]ChangedConfig, 0, len(changed))}
		for _, key := range changed {
			resp.Changed = append(resp.Changed, ChangedConfig{DataID: key.DataID, Group: key.Group, Tenant: key.Tenant})
		}
		return "ConfigChangeBatchListenResponse", resp, nil
	}
}

func instanceDTOToInstance(svcKey keys.ServiceKey, dto InstanceDTO, clientID string) naming.Instance {
	inst := naming.NewInstance(svcKey, dto.IP, dto.Port)
	inst.Weight = dto.Weight
	inst.Enabled = dto.Enabled
	inst.Healthy = dto.Healthy
	inst.Ephemeral = dto.Ephemeral
	if dto.ClusterName != "" {
		inst.ClusterName = dto.ClusterName
	}
	if dto.Metadata != nil {
		inst.Metadata = dto.Metadata
	}
	inst.ClientID = clientID
	inst.FromGRPC = true
	return inst
}

// InstanceToDTO converts one naming.Instance to its wire projection.
func InstanceToDTO(inst naming.Instance) InstanceDTO {
	return instanceToDTO(inst)
}

func instanceToDTO(inst naming.Instance) InstanceDTO {
	return InstanceDTO{
		IP:          inst.IP,
		Port:        inst.Port,
		Weight:      inst.Weight,
		Enabled:     inst.Enabled,
		Healthy:     inst.Healthy,
		Ephemeral:   inst.Ephemeral,
		ClusterName: inst.ClusterName,
		Metadata:    inst.Metadata,
	}
}

// ServiceInfoToDTO converts one naming.ServiceInfo to its wire
// projection, for internal/bistream's push notifications.
func ServiceInfoToDTO(info naming.ServiceInfo) ServiceInfoDTO {
	return serviceInfoToDTO(info)
}

func serviceInfoToDTO(info naming.ServiceInfo) ServiceInfoDTO {
	instances := make([]InstanceDTO, 0, len(info.Instances))
	for _, inst := range info.Instances {
		instances = append(instances, instanceToDTO(inst))
	}
	return ServiceInfoDTO{
		NamespaceID:              info.Key.NamespaceID,
		GroupName:                info.Key.Group,
		ServiceName:              info.Key.ServiceName,
		InstanceSize:             info.InstanceSize,
		HealthyInstanceSize:      info.HealthyInstanceSize,
		Metadata:                 info.Metadata,
		ProtectThreshold:         info.ProtectThreshold,
		ReachProtectionThreshold: info.ReachProtectionThreshold,
		Instances:                instances,
		CacheMillis:              info.CacheMillis,
		LastRefTime:              info.LastRefTime,
		Checksum:                 info.CheckSum,
	}
}

func instanceRequestHandler(registry *naming.Registry) handlerFunc {
	return func(ctx context.Context, meta RequestMeta, body []byte) (string, any, error) {
		var req InstanceRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", nil, rerrors.New(rerrors.InvalidArgument, "malformed InstanceRequest")
		}
		svcKey := keys.NewServiceKey(req.NamespaceID, req.GroupName, req.ServiceName)

		switch req.Type {
		case DeregisterInstance:
			short := keys.InstanceShortKey{IP: keys.Intern(req.Instance.IP), Port: req.Instance.Port}
			if err := registry.Delete(ctx, svcKey, short); err != nil {
				return "", nil, err
			}
		default: // registerInstance
			inst := instanceDTOToInstance(svcKey, req.Instance, meta.ClientID)
			tag := &naming.UpdateTag{
				Enabled:    req.UpdateEnabled,
				Ephemeral:  req.UpdateEphemeral,
				Weight:     req.UpdateWeight,
				Metadata:   req.UpdateMetadata,
				FromUpdate: req.FromUpdate,
			}
			if err := registry.Update(ctx, inst, tag); err != nil {
				return "", nil, err
			}
		}
		return "AckResponse", AckResponse{Success: true}, nil
	}
}

func batchInstanceRequestHandler(registry *naming.Registry) handlerFunc {
	return func(ctx context.Context, meta RequestMeta, body []byte) (string, any, error) {
		var req BatchInstanceRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", nil, rerrors.New(rerrors.InvalidArgument, "malformed BatchInstanceRequest")
		}
		svcKey := keys.NewServiceKey(req.NamespaceID, req.GroupName, req.ServiceName)

		for _, dto := range req.Instances {
			if req.Type == DeregisterInstance {
				short := keys.InstanceShortKey{IP: keys.Intern(dto.IP), Port: dto.Port}
				if err := registry.Delete(ctx, svcKey, short); err != nil {
					return "", nil, err
				}
				continue
			}
			inst := instanceDTOToInstance(svcKey, dto, meta.ClientID)
			if err := registry.Update(ctx, inst, &naming.UpdateTag{}); err != nil {
				return "", nil, err
			}
		}
		return "AckResponse", AckResponse{Success: true}, nil
	}
}

func subscribeServiceHandler(registry *naming.Registry, namingSub *namingsub.Index) handlerFunc {
	return func(ctx context.Context, meta RequestMeta, body []byte) (string, any, error) {
		var req SubscribeServiceRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", nil, rerrors.New(rerrors.InvalidArgument, "malformed SubscribeServiceRequest")
		}
		svcKey := keys.NewServiceKey(req.NamespaceID, req.GroupName, req.ServiceName)

		if req.Subscribe {
			namingSub.AddSubscribe(meta.ClientID, []keys.ServiceKey{svcKey})
		} else {
			namingSub.RemoveSubscribe(meta.ClientID, []keys.ServiceKey{svcKey})
		}

		info, err := registry.GetServiceInfo(ctx, svcKey, req.Clusters, false)
		if err != nil && !rerrors.Is(err, rerrors.NotFound) {
			return "", nil, err
		}
		info.Key = svcKey
		return "SubscribeServiceResponse", SubscribeServiceResponse{ServiceInfo: serviceInfoToDTO(info)}, nil
	}
}

func serviceQueryHandler(registry *naming.Registry) handlerFunc {
	return func(ctx context.Context, _ RequestMeta, body []byte) (string, any, error) {
		var req ServiceQueryRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", nil, rerrors.New(rerrors.InvalidArgument, "malformed ServiceQueryRequest")
		}

		if req.ServiceName != "" {
			svcKey := keys.NewServiceKey(req.NamespaceID, req.GroupName, req.ServiceName)
			info, err := registry.GetServiceInfo(ctx, svcKey, req.Clusters, req.OnlyHealthy)
			if err != nil {
				return "", nil, err
			}
			info.Key = svcKey
			dto := serviceInfoToDTO(info)
			return "ServiceQueryResponse", ServiceQueryResponse{ServiceInfo: &dto}, nil
		}

		offset := 0
		limit := req.PageSize
		if req.PageNo > 0 && req.PageSize > 0 {
			offset = (req.PageNo - 1) * req.PageSize
		}
		total, page, err := registry.QueryServices(ctx, naming.ServiceListFilter{
			NamespaceID: req.NamespaceID,
			Group:       req.GroupName,
			Offset:      offset,
			Limit:       limit,
		})
		if err != nil {
			return "", nil, err
		}
		names := make([]string, 0, len(page))
		for _, key := range page {
			names = append(names, key.ServiceName)
		}
		return "ServiceQueryResponse", ServiceQueryResponse{Count: total, ServiceNames: names}, nil
	}
}

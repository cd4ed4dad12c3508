package naming

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/wudi/regplane/internal/keys"
	"github.com/wudi/regplane/internal/rerrors"
)

const (
	defaultProtectThreshold        = 0
	defaultHealthyWindow           = 15 * time.Second
	defaultOfflineWindow           = 30 * time.Second
	defaultServiceTimeout          = 60 * time.Second
	defaultInstanceMetadataTimeout = 60 * time.Second
	defaultTimeCheckPeriod         = 2 * time.Second
	onceTimeCheckSize              = 10000
)

// Notifier is implemented by internal/namingsub: the registry emits one
// event per affected ServiceKey after a mutating operation.
type Notifier interface {
	NotifyServiceChange(key keys.ServiceKey)
}

// Replicator is implemented by internal/cluster/sync: every local write
// (FromCluster==0) is echoed to it so peers converge.
// Writes that arrived from a peer are never re-replicated.
type Replicator interface {
	ReplicateUpdate(inst Instance)
	ReplicateRemove(svcKey keys.ServiceKey, short keys.InstanceShortKey)
	ReplicateService(svcKey keys.ServiceKey, protectThreshold float64, metadata map[string]string)
}

// Registry is the naming registry actor: a
// single-owner map of ServiceKey to service state, reachable only
// through its mailbox so operations on one ServiceKey are totally
// ordered.
type Registry struct {
	mailbox    chan func()
	logger     *zap.Logger
	notifier   Notifier
	replicator Replicator

	services        map[keys.ServiceKey]*service
	namespaceIndex  map[string]map[keys.ServiceKey]struct{}
	groupIndex      map[string]map[keys.ServiceKey]struct{}
	clientInstances map[string]map[keys.InstanceKey]struct{}

	emptyServiceReap *expirable.LRU[keys.ServiceKey, struct{}]
	orphanMetaReap   *expirable.LRU[keys.InstanceKey, struct{}]

	healthyWindow time.Duration
	offlineWindow time.Duration
	stopCh        chan struct{}
}

// Config tunes the registry's timing parameters.
type Config struct {
	HealthyWindow           time.Duration
	OfflineWindow           time.Duration
	ServiceReapTTL          time.Duration
	InstanceMetadataReapTTL time.Duration
	TimeCheckPeriod         time.Duration
}

// DefaultConfig returns the production default timings.
func DefaultConfig() Config {
	return Config{
		HealthyWindow:           defaultHealthyWindow,
		OfflineWindow:           defaultOfflineWindow,
		ServiceReapTTL:          defaultServiceTimeout,
		InstanceMetadataReapTTL: defaultInstanceMetadataTimeout,
		TimeCheckPeriod:         defaultTimeCheckPeriod,
	}
}

// New creates a Registry and starts its mailbox and time-check loops.
func New(ctx context.Context, cfg Config, notifier Notifier, logger *zap.Logger) *Registry {
	r := &Registry{
		mailbox:         make(chan func(), 1024),
		logger:          logger,
		notifier:        notifier,
		services:        make(map[keys.ServiceKey]*service),
		namespaceIndex:  make(map[string]map[keys.ServiceKey]struct{}),
		groupIndex:      make(map[string]map[keys.ServiceKey]struct{}),
		clientInstances: make(map[string]map[keys.InstanceKey]struct{}),
		healthyWindow:   cfg.HealthyWindow,
		offlineWindow:   cfg.OfflineWindow,
		stopCh:          make(chan struct{}),
	}

	r.emptyServiceReap = expirable.NewLRU[keys.ServiceKey, struct{}](0, func(key keys.ServiceKey, _ struct{}) {
		r.postReapEmptyService(key)
	}, cfg.ServiceReapTTL)

	r.orphanMetaReap = expirable.NewLRU[keys.InstanceKey, struct{}](0, func(key keys.InstanceKey, _ struct{}) {
		r.postReapOrphanMetadata(key)
	}, cfg.InstanceMetadataReapTTL)

	go r.run()
	go r.timeCheckLoop(ctx, cfg.TimeCheckPeriod)
	return r
}

func (r *Registry) run() {
	for fn := range r.mailbox {
		fn()
	}
}

// Close stops the mailbox and timer loops.
func (r *Registry) Close() {
	close(r.stopCh)
	close(r.mailbox)
}

// SetReplicator wires the cluster sync sender. Must be called before
// any traffic; kept out of New to avoid an import cycle with
// internal/cluster/sync.
func (r *Registry) SetReplicator(rep Replicator) {
	r.replicator = rep
}

func (r *Registry) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case r.mailbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postReapEmptyService and postReapOrphanMetadata run on the expirable
// LRU's own janitor goroutine; they hand the actual mutation back to
// the actor's mailbox so no state is ever touched off-actor.
func (r *Registry) postReapEmptyService(key keys.ServiceKey) {
	select {
	case r.mailbox <- func() { r.reapEmptyServiceLocked(key) }:
	case <-r.stopCh:
	}
}

func (r *Registry) postReapOrphanMetadata(key keys.InstanceKey) {
	select {
	case r.mailbox <- func() { r.reapOrphanMetadataLocked(key) }:
	case <-r.stopCh:
	}
}

func (r *Registry) reapEmptyServiceLocked(svcKey keys.ServiceKey) {
	svc, ok := r.services[svcKey]
	if !ok || svc.instanceSize != 0 {
		return // re-populated before the TTL fired; no-op
	}
	delete(r.services, svcKey)
	if set, ok := r.namespaceIndex[svcKey.NamespaceID]; ok {
		delete(set, svcKey)
		if len(set) == 0 {
			delete(r.namespaceIndex, svcKey.NamespaceID)
		}
	}
	if set, ok := r.groupIndex[svcKey.Group]; ok {
		delete(set, svcKey)
		if len(set) == 0 {
			delete(r.groupIndex, svcKey.Group)
		}
	}
}

func (r *Registry) reapOrphanMetadataLocked(instKey keys.InstanceKey) {
	svc, ok := r.services[instKey.Service]
	if !ok {
		return
	}
	if _, stillInstance := svc.instances[instKey.Short]; stillInstance {
		return // a live instance now owns this short_key again
	}
	delete(svc.instanceMetadataMap, instKey.Short)
}

func (r *Registry) getOrCreateService(key keys.ServiceKey) *service {
	svc, ok := r.services[key]
	if ok {
		return svc
	}
	svc = newService(key)
	r.services[key] = svc

	ns, ok := r.namespaceIndex[key.NamespaceID]
	if !ok {
		ns = make(map[keys.ServiceKey]struct{})
		r.namespaceIndex[key.NamespaceID] = ns
	}
	ns[key] = struct{}{}

	grp, ok := r.groupIndex[key.Group]
	if !ok {
		grp = make(map[keys.ServiceKey]struct{})
		r.groupIndex[key.Group] = grp
	}
	grp[key] = struct{}{}

	return svc
}

// Update validates and merges inst into the named service, creating
// the service if needed.
func (r *Registry) Update(ctx context.Context, inst Instance, tag *UpdateTag) error {
	if inst.IP == "" || inst.Port <= 0 || inst.Port > 65535 {
		return rerrors.New(rerrors.InvalidArgument, "instance ip/port invalid")
	}
	if inst.Service.ServiceName == "" {
		return rerrors.New(rerrors.InvalidArgument, "service name is required")
	}

	svcKey := keys.NewServiceKey(inst.Service.NamespaceID, inst.Service.Group, inst.Service.ServiceName)
	inst.Service = svcKey
	inst.IP = keys.Intern(inst.IP)
	inst.ClusterName = keys.NormalizeClusterName(inst.ClusterName)
	if inst.LastHeartbeat == 0 {
		inst.LastHeartbeat = nowMillis()
	}

	return r.submit(ctx, func() {
		svc := r.getOrCreateService(svcKey)

		if inst.FromGRPC && inst.ClientID != "" {
			instKey := keys.NewInstanceKey(svcKey, inst.IP, inst.Port)
			set, ok := r.clientInstances[inst.ClientID]
			if !ok {
				set = make(map[keys.InstanceKey]struct{})
				r.clientInstances[inst.ClientID] = set
			}
			set[instKey] = struct{}{}
		}

		rtype := svc.updateInstance(inst, tag)
		if rtype == UpdateNone {
			return
		}

		merged := svc.instances[inst.ShortKey()]
		if merged.FromCluster == 0 && r.replicator != nil {
			r.replicator.ReplicateUpdate(merged)
		}

		// A bare heartbeat refreshes last_heartbeat only; it never
		// wakes subscribers.
		if rtype != UpdateTime && r.notifier != nil {
			r.notifier.NotifyServiceChange(svcKey)
		}
	})
}

// Delete removes inst from its service, enqueuing the empty-service
// and orphan-metadata reap entries.
func (r *Registry) Delete(ctx context.Context, svcKey keys.ServiceKey, short keys.InstanceShortKey) error {
	return r.deleteInstance(ctx, svcKey, short, true)
}

// DeleteFromSync applies a peer-replicated removal: identical to Delete
// but never re-echoed to the replicator.
func (r *Registry) DeleteFromSync(ctx context.Context, svcKey keys.ServiceKey, short keys.InstanceShortKey) error {
	return r.deleteInstance(ctx, svcKey, short, false)
}

func (r *Registry) deleteInstance(ctx context.Context, svcKey keys.ServiceKey, short keys.InstanceShortKey, replicate bool) error {
	return r.submit(ctx, func() {
		svc, ok := r.services[svcKey]
		if !ok {
			return
		}
		old, removed := svc.removeInstance(short)
		if !removed {
			return
		}

		if svc.instanceSize == 0 {
			r.emptyServiceReap.Add(svcKey, struct{}{})
		}
		if svc.existsPriorityMetadata(short) {
			r.orphanMetaReap.Add(keys.InstanceKey{Service: svcKey, Short: short}, struct{}{})
		}

		if old.FromGRPC && old.ClientID != "" {
			if set, ok := r.clientInstances[old.ClientID]; ok {
				delete(set, keys.InstanceKey{Service: svcKey, Short: short})
				if len(set) == 0 {
					delete(r.clientInstances, old.ClientID)
				}
			}
		}

		if replicate && r.replicator != nil {
			r.replicator.ReplicateRemove(svcKey, short)
		}
		if r.notifier != nil {
			r.notifier.NotifyServiceChange(svcKey)
		}
	})
}

// RemoveClient evicts every instance bound to clientID (stream close).
func (r *Registry) RemoveClient(ctx context.Context, clientID string) error {
	return r.submit(ctx, func() {
		set, ok := r.clientInstances[clientID]
		if !ok {
			return
		}
		delete(r.clientInstances, clientID)

		affected := make(map[keys.ServiceKey]struct{})
		for instKey := range set {
			svc, ok := r.services[instKey.Service]
			if !ok {
				continue
			}
			if _, removed := svc.removeInstance(instKey.Short); removed {
				affected[instKey.Service] = struct{}{}
				if svc.instanceSize == 0 {
					r.emptyServiceReap.Add(instKey.Service, struct{}{})
				}
				if r.replicator != nil {
					r.replicator.ReplicateRemove(instKey.Service, instKey.Short)
				}
			}
		}
		if r.notifier != nil {
			for svcKey := range affected {
				r.notifier.NotifyServiceChange(svcKey)
			}
		}
	})
}

// GetServiceInfo returns the instance list for svcKey honoring the
// clusters and healthy filters, and the protect-threshold override.
// clustersFilter is a comma-separated list; empty means "all clusters".
func (r *Registry) GetServiceInfo(ctx context.Context, svcKey keys.ServiceKey, clustersFilter string, onlyHealthy bool) (ServiceInfo, error) {
	var info ServiceInfo
	var opErr error
	err := r.submit(ctx, func() {
		svc, ok := r.services[svcKey]
		if !ok {
			opErr = rerrors.New(rerrors.NotFound, "service not found")
			return
		}
		var clusters map[string]struct{}
		if clustersFilter != "" {
			clusters = make(map[string]struct{})
			for _, c := range strings.Split(clustersFilter, ",") {
				if c = strings.TrimSpace(c); c != "" {
					clusters[c] = struct{}{}
				}
			}
		}
		info = svc.instanceList(clusters, onlyHealthy)
	})
	if err != nil {
		return ServiceInfo{}, err
	}
	return info, opErr
}

// ServiceListFilter parameterizes QueryServices.
type ServiceListFilter struct {
	NamespaceID string
	Group       string
	ServiceLike string
	Offset      int
	Limit       int
}

// QueryServices lists service keys ordered stably by (group, service_name).
func (r *Registry) QueryServices(ctx context.Context, filter ServiceListFilter) (int, []keys.ServiceKey, error) {
	var total int
	var page []keys.ServiceKey
	err := r.submit(ctx, func() {
		var candidates map[keys.ServiceKey]struct{}
		if filter.NamespaceID != "" {
			ns := keys.NormalizeNamespace(filter.NamespaceID)
			candidates = r.namespaceIndex[ns]
		} else {
			candidates = make(map[keys.ServiceKey]struct{})
			for key := range r.services {
				candidates[key] = struct{}{}
			}
		}

		var matched []keys.ServiceKey
		for key := range candidates {
			if filter.Group != "" && key.Group != keys.NormalizeGroup(filter.Group) {
				continue
			}
			if filter.ServiceLike != "" && !strings.Contains(key.ServiceName, filter.ServiceLike) {
				continue
			}
			matched = append(matched, key)
		}
		sort.Slice(matched, func(i, j int) bool {
			a, b := matched[i], matched[j]
			if a.Group != b.Group {
				return a.Group < b.Group
			}
			return a.ServiceName < b.ServiceName
		})

		total = len(matched)
		offset, limit := filter.Offset, filter.Limit
		if offset < 0 {
			offset = 0
		}
		if offset >= len(matched) {
			return
		}
		end := offset + limit
		if limit <= 0 || end > len(matched) {
			end = len(matched)
		}
		page = append([]keys.ServiceKey{}, matched[offset:end]...)
	})
	if err != nil {
		return 0, nil, err
	}
	return total, page, nil
}

// CreateService explicitly creates an empty service with the given
// metadata, failing with AlreadyExists if it is already present.
func (r *Registry) CreateService(ctx context.Context, svcKey keys.ServiceKey, protectThreshold float64, metadata map[string]string) error {
	var opErr error
	err := r.submit(ctx, func() {
		if _, ok := r.services[svcKey]; ok {
			opErr = rerrors.New(rerrors.AlreadyExists, "service already exists")
			return
		}
		svc := r.getOrCreateService(svcKey)
		svc.protectThreshold = protectThreshold
		if metadata != nil {
			svc.metadata = metadata
		}
		if r.replicator != nil {
			r.replicator.ReplicateService(svcKey, svc.protectThreshold, svc.metadata)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// RemoveService deletes an empty service, failing with ServiceNonEmpty
// if instances remain.
func (r *Registry) RemoveService(ctx context.Context, svcKey keys.ServiceKey) error {
	var opErr error
	err := r.submit(ctx, func() {
		svc, ok := r.services[svcKey]
		if !ok {
			opErr = rerrors.New(rerrors.NotFound, "service not found")
			return
		}
		if svc.instanceSize > 0 {
			opErr = rerrors.New(rerrors.ServiceNonEmpty, "service still has instances")
			return
		}
		r.reapEmptyServiceLocked(svcKey)
	})
	if err != nil {
		return err
	}
	return opErr
}

// UpdateServiceMeta upserts service-level metadata and protect
// threshold. fromSync suppresses re-replication of peer-applied writes.
func (r *Registry) UpdateServiceMeta(ctx context.Context, svcKey keys.ServiceKey, protectThreshold float64, metadata map[string]string, fromSync bool) error {
	return r.submit(ctx, func() {
		svc := r.getOrCreateService(svcKey)
		svc.protectThreshold = protectThreshold
		if metadata != nil {
			svc.metadata = metadata
		}
		if !fromSync && r.replicator != nil {
			r.replicator.ReplicateService(svcKey, svc.protectThreshold, svc.metadata)
		}
		if r.notifier != nil {
			r.notifier.NotifyServiceChange(svcKey)
		}
	})
}

// SnapshotMatching copies out every instance of every service whose key
// satisfies match. The cluster layer uses it to answer QuerySnapshot
// without knowing the registry's internals.
func (r *Registry) SnapshotMatching(ctx context.Context, match func(keys.ServiceKey) bool) ([]Instance, error) {
	var out []Instance
	err := r.submit(ctx, func() {
		for key, svc := range r.services {
			if match != nil && !match(key) {
				continue
			}
			for _, inst := range svc.instances {
				out = append(out, inst)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// timeCheckLoop runs the health time-wheel sweep every period, bounded
// to onceTimeCheckSize services per tick.
func (r *Registry) timeCheckLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = r.submit(ctx, r.timeCheckTick)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) timeCheckTick() {
	now := nowMillis()
	healthyCutoff := now - r.healthyWindow.Milliseconds()
	offlineCutoff := now - r.offlineWindow.Milliseconds()

	checked := 0
	var affected []keys.ServiceKey
	for key, svc := range r.services {
		if checked >= onceTimeCheckSize {
			break
		}
		checked++
		removed, updated := svc.timeCheck(healthyCutoff, offlineCutoff)
		if len(removed) == 0 && len(updated) == 0 {
			continue
		}
		affected = append(affected, key)
		if svc.instanceSize == 0 {
			r.emptyServiceReap.Add(key, struct{}{})
		}
		if r.replicator != nil {
			for _, short := range removed {
				r.replicator.ReplicateRemove(key, short)
			}
		}
	}

	if r.notifier != nil {
		for _, key := range affected {
			r.notifier.NotifyServiceChange(key)
		}
	}
}

package naming

import (
	"strconv"

	"github.com/wudi/regplane/internal/keys"
)

// service is the per-ServiceKey state, owned exclusively by the
// Registry actor goroutine — never touched from any other goroutine.
type service struct {
	key                 keys.ServiceKey
	metadata            map[string]string
	protectThreshold    float64
	lastEmptyTimes      int64
	instanceSize        int64
	healthyInstanceSize int64
	checkSum            string

	instances           map[keys.InstanceShortKey]Instance
	timeinfos           []InstanceTimeInfo
	instanceMetadataMap map[keys.InstanceShortKey]map[string]string
}

func newService(key keys.ServiceKey) *service {
	return &service{
		key:                 key,
		metadata:            map[string]string{},
		instances:           map[keys.InstanceShortKey]Instance{},
		instanceMetadataMap: map[keys.InstanceShortKey]map[string]string{},
	}
}

// updateInstance merges a new instance against any existing one per
// the update-tag precedence rules.
func (s *service) updateInstance(inst Instance, tag *UpdateTag) UpdateInstanceType {
	inst.Service = s.key
	short := inst.ShortKey()

	rtype := UpdateNone
	old, existed := s.instances[short]

	// Last-writer-wins across replicas: a peer-sourced update older
	// than what we hold is dropped.
	if existed && inst.FromCluster != 0 && old.LastHeartbeat > inst.LastHeartbeat {
		return UpdateNone
	}

	if existed {
		if !old.Healthy {
			s.healthyInstanceSize++
		}
		rtype = UpdateValue

		if tag != nil && !tag.IsNone() {
			if !tag.Enabled {
				inst.Enabled = old.Enabled
			}
			if !tag.Ephemeral {
				inst.Ephemeral = old.Ephemeral
			}
			if !tag.Weight {
				inst.Weight = old.Weight
			}
			if !tag.Metadata {
				inst.Metadata = old.Metadata
			} else if tag.FromUpdate {
				// admin/console write: persists as priority metadata
				s.instanceMetadataMap[short] = inst.Metadata
			} else if priority, ok := s.instanceMetadataMap[short]; ok {
				// SDK write cannot downgrade admin-set metadata
				inst.Metadata = priority
			}
		} else {
			inst.Enabled = old.Enabled
			inst.Ephemeral = old.Ephemeral
			inst.Weight = old.Weight
			inst.Metadata = old.Metadata
			rtype = UpdateTime
		}

		if old.FromGRPC {
			inst.FromGRPC = old.FromGRPC
		}
	} else {
		if priority, ok := s.instanceMetadataMap[short]; ok {
			inst.Metadata = priority
		}
		s.instanceSize++
		s.healthyInstanceSize++
		rtype = UpdateNew
	}

	if !inst.FromGRPC {
		s.updateTimeinfos(InstanceTimeInfo{Key: short, Time: inst.LastHeartbeat, Enable: true})
	}
	s.instances[short] = inst
	return rtype
}

// updateTimeinfos disables any existing entries for this instance
// before appending the fresh one, preserving non-decreasing time order
// as long as callers append in time order.
func (s *service) updateTimeinfos(info InstanceTimeInfo) {
	for i := range s.timeinfos {
		if s.timeinfos[i].Key == info.Key {
			s.timeinfos[i].Enable = false
		}
	}
	s.timeinfos = append(s.timeinfos, info)
}

// timeCheck walks timeinfos in order, evicting offline instances and
// marking stale ones unhealthy.
func (s *service) timeCheck(healthyCutoff, offlineCutoff int64) (removed, updated []keys.InstanceShortKey) {
	// removeIndex tracks one-past the last entry that actually caused an
	// eviction; entries before it are dropped on truncation even if they
	// were merely disabled or only flagged unhealthy, matching the Rust
	// source's split_off(remove_index) exactly.
	removeIndex := 0
	for i, item := range s.timeinfos {
		if !item.Enable {
			continue
		}
		if item.Time > healthyCutoff {
			break
		}
		if item.Time <= offlineCutoff {
			removed = append(removed, item.Key)
			removeIndex = i + 1
		} else {
			updated = append(updated, item.Key)
		}
	}
	s.timeinfos = append([]InstanceTimeInfo{}, s.timeinfos[removeIndex:]...)

	for _, key := range removed {
		s.removeInstance(key)
	}
	for _, key := range updated {
		s.markInstanceUnhealthy(key)
	}
	return removed, updated
}

// removeInstance deletes an instance, decrementing counters and
// recording last_empty_times if the service became empty.
func (s *service) removeInstance(key keys.InstanceShortKey) (Instance, bool) {
	old, ok := s.instances[key]
	if !ok {
		return Instance{}, false
	}
	delete(s.instances, key)
	s.instanceSize--
	if s.instanceSize == 0 {
		s.lastEmptyTimes = nowMillis()
	}
	if old.Healthy {
		s.healthyInstanceSize--
	}
	return old, true
}

// markInstanceUnhealthy flips healthy=false on an existing instance
// without removing it.
func (s *service) markInstanceUnhealthy(key keys.InstanceShortKey) {
	inst, ok := s.instances[key]
	if !ok {
		return
	}
	if inst.Healthy {
		s.healthyInstanceSize--
	}
	inst.Healthy = false
	s.instances[key] = inst
}

func (s *service) existsPriorityMetadata(key keys.InstanceShortKey) bool {
	_, ok := s.instanceMetadataMap[key]
	return ok
}

// reachesProtectionThreshold reports whether too few instances are
// healthy to safely filter by health: when true, callers
// must return every instance, healthy and unhealthy alike.
func (s *service) reachesProtectionThreshold() bool {
	if s.instanceSize == 0 {
		return false
	}
	ratio := float64(s.healthyInstanceSize) / float64(s.instanceSize)
	return ratio < s.protectThreshold
}

// instanceList applies the clusters and healthy filters, honoring the
// protect-threshold override.
func (s *service) instanceList(clusters map[string]struct{}, onlyHealthy bool) ServiceInfo {
	reach := s.reachesProtectionThreshold()
	effectiveOnlyHealthy := onlyHealthy && !reach

	var out []Instance
	for _, inst := range s.instances {
		if len(clusters) > 0 {
			if _, ok := clusters[inst.ClusterName]; !ok {
				continue
			}
		}
		if effectiveOnlyHealthy && !inst.Healthy {
			continue
		}
		out = append(out, inst)
	}

	now := nowMillis()
	return ServiceInfo{
		Key:                      s.key,
		InstanceSize:             s.instanceSize,
		HealthyInstanceSize:      s.healthyInstanceSize,
		Metadata:                 s.metadata,
		ProtectThreshold:         s.protectThreshold,
		ReachProtectionThreshold: reach,
		Instances:                out,
		CacheMillis:              10000,
		LastRefTime:              now,
		CheckSum:                 strconv.FormatInt(now, 10),
	}
}

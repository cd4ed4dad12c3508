// Package configstore implements the config store actor:
// a single-owner in-memory map of current ConfigValue per ConfigKey,
// write-through to a durability.Store collaborator, notifying a
// configsub.Index on every successful publish/remove. Every exported
// method serializes through one mailbox goroutine, so operations on a
// single key are totally ordered.
package configstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/regplane/internal/configsub"
	"github.com/wudi/regplane/internal/durability"
	"github.com/wudi/regplane/internal/keys"
	"github.com/wudi/regplane/internal/rerrors"
)

// ListenItem is one entry of a batchListen request: a key plus the
// client's last-known md5 for it.
type ListenItem struct {
	Key keys.ConfigKey
	MD5 string
}

// PageFilter parameterizes queryPage.
type PageFilter struct {
	Tenant     string
	Group      string // exact match; "" means no filter
	DataIDLike string // substring test; "" means no filter
	Offset     int
	Limit      int
}

// Store is the config store actor.
type Store struct {
	mailbox    chan func()
	values     map[keys.ConfigKey]keys.ConfigValue
	durability durability.Store
	subIndex   *configsub.Index
	logger     *zap.Logger
}

// New creates a Store and starts its mailbox goroutine. It warms its
// in-memory map from the durability collaborator before returning.
func New(ctx context.Context, store durability.Store, subIndex *configsub.Index, logger *zap.Logger) (*Store, error) {
	s := &Store{
		mailbox:    make(chan func(), 256),
		values:     make(map[keys.ConfigKey]keys.ConfigValue),
		durability: store,
		subIndex:   subIndex,
		logger:     logger,
	}

	entries, err := store.ListAll(ctx)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.DurabilityFailure, "warm config store", err)
	}
	for _, e := range entries {
		s.values[e.Key] = keys.NewConfigValue(e.Content, e.LastTime)
	}

	go s.run()
	return s, nil
}

func (s *Store) run() {
	for fn := range s.mailbox {
		fn()
	}
}

// Close stops the mailbox goroutine. No further calls may be made.
func (s *Store) Close() {
	close(s.mailbox)
}

func (s *Store) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.mailbox <- func() { fn(); close(done) }:
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

// Publish computes md5, write-through-commits to durability, updates
// the in-memory value only after the durable write succeeds, then
// notifies subscribers.
func (s *Store) Publish(ctx context.Context, key keys.ConfigKey, content string) (keys.ConfigValue, error) {
	var value keys.ConfigValue
	var opErr error

	err := s.submit(ctx, func() {
		v := keys.NewConfigValue(content, time.Now().UnixMilli())
		if err := s.durability.UpsertConfig(ctx, key, v); err != nil {
			opErr = rerrors.Wrap(rerrors.DurabilityFailure, "publish config", err)
			return
		}
		s.values[key] = v
		value = v
	})
	if err != nil {
		return keys.ConfigValue{}, err
	}
	if opErr != nil {
		return keys.ConfigValue{}, opErr
	}

	s.subIndex.Notify(key)
	return value, nil
}

// Remove deletes the current row and its history, then notifies.
func (s *Store) Remove(ctx context.Context, key keys.ConfigKey) error {
	var opErr error
	err := s.submit(ctx, func() {
		if err := s.durability.DeleteConfig(ctx, key); err != nil {
			opErr = rerrors.Wrap(rerrors.DurabilityFailure, "remove config", err)
			return
		}
		delete(s.values, key)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	// Subscribers stay registered: their lifetime follows the
	// connection, not the key, so a later re-publish still reaches them.
	s.subIndex.Notify(key)
	return nil
}

// Query returns the current value for key, or NotFound.
func (s *Store) Query(ctx context.Context, key keys.ConfigKey) (keys.ConfigValue, error) {
	var value keys.ConfigValue
	var found bool
	err := s.submit(ctx, func() {
		value, found = s.values[key]
	})
	if err != nil {
		return keys.ConfigValue{}, err
	}
	if !found {
		return keys.ConfigValue{}, rerrors.New(rerrors.NotFound, "config not found")
	}
	return value, nil
}

// QueryPage filters in-memory over the current set, ordered stably by
// (tenant, group, data_id).
func (s *Store) QueryPage(ctx context.Context, filter PageFilter) (int, []keys.ConfigKey, error) {
	var total int
	var page []keys.ConfigKey

	err := s.submit(ctx, func() {
		var matched []keys.ConfigKey
		for key := range s.values {
			if filter.Tenant != "" && key.Tenant != keys.NormalizeTenant(filter.Tenant) {
				continue
			}
			if filter.Group != "" && key.Group != filter.Group {
				continue
			}
			if filter.DataIDLike != "" && !strings.Contains(key.DataID, filter.DataIDLike) {
				continue
			}
			matched = append(matched, key)
		}
		sort.Slice(matched, func(i, j int) bool {
			a, b := matched[i], matched[j]
			if a.Tenant != b.Tenant {
				return a.Tenant < b.Tenant
			}
			if a.Group != b.Group {
				return a.Group < b.Group
			}
			return a.DataID < b.DataID
		})

		total = len(matched)
		offset := filter.Offset
		limit := filter.Limit
		if offset < 0 {
			offset = 0
		}
		if offset >= len(matched) {
			page = nil
			return
		}
		end := offset + limit
		if limit <= 0 || end > len(matched) {
			end = len(matched)
		}
		page = append([]keys.ConfigKey{}, matched[offset:end]...)
	})
	if err != nil {
		return 0, nil, err
	}
	return total, page, nil
}

// QueryHistory lists the append-only history rows for key, oldest
// first. It reads the durability store directly: history is never held
// in memory.
func (s *Store) QueryHistory(ctx context.Context, key keys.ConfigKey) ([]keys.ConfigHistoryEntry, error) {
	entries, err := s.durability.ListHistory(ctx, key)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.DurabilityFailure, "query config history", err)
	}
	return entries, nil
}

// BatchListen registers clientID as a listener for every item
// regardless of match, and returns the keys whose server md5 differs
// from the client's reported md5.
func (s *Store) BatchListen(ctx context.Context, clientID string, items []ListenItem) ([]keys.ConfigKey, error) {
	var changed []keys.ConfigKey
	err := s.submit(ctx, func() {
		keysToListen := make([]keys.ConfigKey, 0, len(items))
		for _, item := range items {
			keysToListen = append(keysToListen, item.Key)
			v, ok := s.values[item.Key]
			if !ok || v.MD5 != item.MD5 {
				changed = append(changed, item.Key)
			}
		}
		s.subIndex.AddSubscribe(clientID, keysToListen)
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

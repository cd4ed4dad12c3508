// Package durability is the SQL collaborator backing the config store:
// it persists tb_config/tb_config_history, using update-then-insert
// fallback for tb_config and append-only inserts for
// tb_config_history.
package durability

import (
	"context"

	"github.com/wudi/regplane/internal/keys"
)

// PageQuery filters a paged listing with optional LIKE-style wildcards
// on data_id and group.
type PageQuery struct {
	Tenant     string
	GroupLike  string // "" means no filter; "%" wildcards passed through
	DataIDLike string
	PageNo     int // 1-based
	PageSize   int
}

// PageResult is one page of a listing plus the total matching row count.
type PageResult struct {
	Total int
	Items []keys.ConfigHistoryEntry
}

// Store is the durability contract the config store actor depends on.
// All methods are synchronous. internal/configstore calls the write
// methods from inside its own mailbox goroutine, so durable writes are
// ordered with every other store operation and a slow disk delays the
// operations queued behind them; there is no separate persistence worker.
type Store interface {
	// UpsertConfig updates the matching tb_config row if one exists,
	// otherwise inserts a new one, then always appends a history row.
	UpsertConfig(ctx context.Context, key keys.ConfigKey, value keys.ConfigValue) error

	// DeleteConfig removes the tb_config row and its history rows.
	DeleteConfig(ctx context.Context, key keys.ConfigKey) error

	// ListHistory returns every history row for one key, oldest first.
	ListHistory(ctx context.Context, key keys.ConfigKey) ([]keys.ConfigHistoryEntry, error)

	// GetConfig loads a single config's current content, or ok=false
	// if no row matches.
	GetConfig(ctx context.Context, key keys.ConfigKey) (keys.ConfigValue, bool, error)

	// ListAll loads every tb_config row, used to warm the in-memory
	// config store actor on startup.
	ListAll(ctx context.Context) ([]keys.ConfigHistoryEntry, error)

	// QueryPage runs a paged, LIKE-filtered listing against tb_config.
	QueryPage(ctx context.Context, q PageQuery) (PageResult, error)

	// Close releases the underlying connection.
	Close() error
}

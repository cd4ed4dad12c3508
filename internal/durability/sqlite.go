package durability

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wudi/regplane/internal/keys"
)

const schemaSQL = `
create table if not exists tb_config(
	id integer primary key autoincrement,
	data_id varchar(255),
	group_name varchar(255),
	tenant varchar(255),
	content text,
	content_md5 varchar(36),
	last_time integer
);
create index if not exists tb_config_key_idx on tb_config(data_id, group_name, tenant);

create table if not exists tb_config_history(
	id integer primary key autoincrement,
	data_id varchar(255),
	group_name varchar(255),
	tenant varchar(255),
	content text,
	last_time integer
);
create index if not exists tb_config_history_key_idx on tb_config_history(data_id, group_name, tenant);
`

// SQLiteStore is the pure-Go (modernc.org/sqlite, no cgo) implementation
// of Store.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite file at dataSource and
// ensures the schema exists.
func Open(dataSource string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dataSource)
	if err != nil {
		return nil, fmt.Errorf("durability: open %s: %w", dataSource, err)
	}
	db.SetMaxOpenConns(1) // sqlite is single-writer; avoid lock contention
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("durability: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (s *SQLiteStore) UpsertConfig(ctx context.Context, key keys.ConfigKey, value keys.ConfigValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durability: begin tx: %w", err)
	}
	defer tx.Rollback()

	lastTime := nowMillis()
	res, err := tx.ExecContext(ctx,
		`update tb_config set content = ?, content_md5 = ?, last_time = ?
		 where data_id = ? and group_name = ? and tenant = ?`,
		value.Content, value.MD5, lastTime, key.DataID, key.Group, key.Tenant)
	if err != nil {
		return fmt.Errorf("durability: update config: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("durability: rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := tx.ExecContext(ctx,
			`insert into tb_config(data_id, group_name, tenant, content, content_md5, last_time)
			 values (?, ?, ?, ?, ?, ?)`,
			key.DataID, key.Group, key.Tenant, value.Content, value.MD5, lastTime); err != nil {
			return fmt.Errorf("durability: insert config: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`insert into tb_config_history(data_id, group_name, tenant, content, last_time)
		 values (?, ?, ?, ?, ?)`,
		key.DataID, key.Group, key.Tenant, value.Content, lastTime); err != nil {
		return fmt.Errorf("durability: insert history: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) DeleteConfig(ctx context.Context, key keys.ConfigKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durability: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from tb_config where data_id = ? and group_name = ? and tenant = ?`,
		key.DataID, key.Group, key.Tenant); err != nil {
		return fmt.Errorf("durability: delete config: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`delete from tb_config_history where data_id = ? and group_name = ? and tenant = ?`,
		key.DataID, key.Group, key.Tenant); err != nil {
		return fmt.Errorf("durability: delete history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListHistory(ctx context.Context, key keys.ConfigKey) ([]keys.ConfigHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`select content, last_time from tb_config_history
		 where data_id = ? and group_name = ? and tenant = ? order by id`,
		key.DataID, key.Group, key.Tenant)
	if err != nil {
		return nil, fmt.Errorf("durability: list history: %w", err)
	}
	defer rows.Close()

	var entries []keys.ConfigHistoryEntry
	for rows.Next() {
		var content string
		var lastTime int64
		if err := rows.Scan(&content, &lastTime); err != nil {
			return nil, fmt.Errorf("durability: scan history row: %w", err)
		}
		entries = append(entries, keys.ConfigHistoryEntry{Key: key, Content: content, LastTime: lastTime})
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) GetConfig(ctx context.Context, key keys.ConfigKey) (keys.ConfigValue, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`select content, content_md5, last_time from tb_config
		 where data_id = ? and group_name = ? and tenant = ?`,
		key.DataID, key.Group, key.Tenant)

	var content, md5 string
	var lastTime int64
	if err := row.Scan(&content, &md5, &lastTime); err != nil {
		if err == sql.ErrNoRows {
			return keys.ConfigValue{}, false, nil
		}
		return keys.ConfigValue{}, false, fmt.Errorf("durability: get config: %w", err)
	}
	return keys.ConfigValue{Content: content, MD5: md5, LastTime: lastTime}, true, nil
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]keys.ConfigHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`select data_id, group_name, tenant, content, last_time from tb_config`)
	if err != nil {
		return nil, fmt.Errorf("durability: list all: %w", err)
	}
	defer rows.Close()

	var entries []keys.ConfigHistoryEntry
	for rows.Next() {
		var dataID, group, tenant, content string
		var lastTime int64
		if err := rows.Scan(&dataID, &group, &tenant, &content, &lastTime); err != nil {
			return nil, fmt.Errorf("durability: scan row: %w", err)
		}
		entries = append(entries, keys.ConfigHistoryEntry{
			Key:      keys.NewConfigKey(dataID, group, tenant),
			Content:  content,
			LastTime: lastTime,
		})
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) QueryPage(ctx context.Context, q PageQuery) (PageResult, error) {
	var clauses []string
	var args []any

	clauses = append(clauses, "tenant = ?")
	args = append(args, q.Tenant)
	if q.GroupLike != "" {
		clauses = append(clauses, "group_name like ?")
		args = append(args, q.GroupLike)
	}
	if q.DataIDLike != "" {
		clauses = append(clauses, "data_id like ?")
		args = append(args, q.DataIDLike)
	}
	where := "where " + strings.Join(clauses, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		"select count(*) from tb_config "+where, args...).Scan(&total); err != nil {
		return PageResult{}, fmt.Errorf("durability: count: %w", err)
	}

	pageNo, pageSize := q.PageNo, q.PageSize
	if pageNo < 1 {
		pageNo = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (pageNo - 1) * pageSize

	pagedArgs := append(append([]any{}, args...), pageSize, offset)
	rows, err := s.db.QueryContext(ctx,
		"select data_id, group_name, tenant, content, last_time from tb_config "+where+
			" order by id limit ? offset ?", pagedArgs...)
	if err != nil {
		return PageResult{}, fmt.Errorf("durability: query page: %w", err)
	}
	defer rows.Close()

	var items []keys.ConfigHistoryEntry
	for rows.Next() {
		var dataID, group, tenant, content string
		var lastTime int64
		if err := rows.Scan(&dataID, &group, &tenant, &content, &lastTime); err != nil {
			return PageResult{}, fmt.Errorf("durability: scan page row: %w", err)
		}
		items = append(items, keys.ConfigHistoryEntry{
			Key:      keys.NewConfigKey(dataID, group, tenant),
			Content:  content,
			LastTime: lastTime,
		})
	}
	return PageResult{Total: total, Items: items}, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

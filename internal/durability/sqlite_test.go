package durability

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/wudi/regplane/internal/keys"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertThenGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	key := keys.NewConfigKey("app.yaml", "DEFAULT_GROUP", "")
	val := keys.NewConfigValue("port=8080", 0)

	if err := s.UpsertConfig(ctx, key, val); err != nil {
		t.Fatalf("UpsertConfig (insert): %v", err)
	}

	got, ok, err := s.GetConfig(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetConfig: ok=%v err=%v", ok, err)
	}
	if got.Content != "port=8080" || got.MD5 != val.MD5 {
		t.Fatalf("GetConfig = %+v, want content/md5 matching %+v", got, val)
	}

	// second upsert exercises the update branch
	val2 := keys.NewConfigValue("port=9090", 0)
	if err := s.UpsertConfig(ctx, key, val2); err != nil {
		t.Fatalf("UpsertConfig (update): %v", err)
	}
	got2, ok, err := s.GetConfig(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetConfig after update: ok=%v err=%v", ok, err)
	}
	if got2.Content != "port=9090" {
		t.Fatalf("Content = %q, want port=9090", got2.Content)
	}

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ListAll len = %d, want 1 (update must not duplicate rows)", len(all))
	}
}

func TestDeleteConfig(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	key := keys.NewConfigKey("app.yaml", "DEFAULT_GROUP", "")
	if err := s.UpsertConfig(ctx, key, keys.NewConfigValue("x", 0)); err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}
	if err := s.DeleteConfig(ctx, key); err != nil {
		t.Fatalf("DeleteConfig: %v", err)
	}
	_, ok, err := s.GetConfig(ctx, key)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if ok {
		t.Fatalf("expected config to be gone after delete")
	}
	hist, err := s.ListHistory(ctx, key)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("history len = %d, want 0 after delete", len(hist))
	}
}

func TestListHistoryAppendsEveryWrite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	key := keys.NewConfigKey("app.yaml", "DEFAULT_GROUP", "")
	for _, content := range []string{"v1", "v2", "v3"} {
		if err := s.UpsertConfig(ctx, key, keys.NewConfigValue(content, 0)); err != nil {
			t.Fatalf("UpsertConfig(%s): %v", content, err)
		}
	}

	hist, err := s.ListHistory(ctx, key)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	for i, want := range []string{"v1", "v2", "v3"} {
		if hist[i].Content != want {
			t.Fatalf("hist[%d] = %q, want %q (oldest first)", i, hist[i].Content, want)
		}
	}
}

func TestQueryPage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"app-1.yaml", "app-2.yaml", "other.yaml"} {
		key := keys.NewConfigKey(id, "DEFAULT_GROUP", "")
		if err := s.UpsertConfig(ctx, key, keys.NewConfigValue("v", 0)); err != nil {
			t.Fatalf("UpsertConfig(%s): %v", id, err)
		}
	}

	res, err := s.QueryPage(ctx, PageQuery{
		Tenant:     "", // default tenant: "public" normalizes to "" before hitting SQL
		DataIDLike: "app-%",
		PageNo:     1,
		PageSize:   10,
	})
	if err != nil {
		t.Fatalf("QueryPage: %v", err)
	}
	if res.Total != 2 {
		t.Fatalf("Total = %d, want 2", res.Total)
	}
	if len(res.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(res.Items))
	}
}

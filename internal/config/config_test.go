package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.ClientListen == "" {
		t.Fatalf("expected default client listen address")
	}
	if cfg.Cluster.ReplicaCount != 256 {
		t.Fatalf("ReplicaCount = %d, want 256", cfg.Cluster.ReplicaCount)
	}
	if cfg.Naming.DelayNotifyWindow != 500*time.Millisecond {
		t.Fatalf("DelayNotifyWindow = %v, want 500ms", cfg.Naming.DelayNotifyWindow)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "regplane.yaml")
	content := `
server:
  client_listen: ":19848"
cluster:
  node_id: "2"
  peers:
    - "3=127.0.0.1:9849"
naming:
  protect_threshold: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ClientListen != ":19848" {
		t.Fatalf("ClientListen = %q, want :19848", cfg.Server.ClientListen)
	}
	if cfg.Cluster.NodeID != "2" {
		t.Fatalf("NodeID = %q, want 2", cfg.Cluster.NodeID)
	}
	if len(cfg.Cluster.Peers) != 1 || cfg.Cluster.Peers[0] != "3=127.0.0.1:9849" {
		t.Fatalf("Peers = %v", cfg.Cluster.Peers)
	}
	if cfg.Naming.ProtectThreshold != 0.5 {
		t.Fatalf("ProtectThreshold = %v, want 0.5", cfg.Naming.ProtectThreshold)
	}
	// unspecified sections keep their defaults
	if cfg.Cluster.ReplicaCount != 256 {
		t.Fatalf("ReplicaCount = %d, want 256 (default preserved)", cfg.Cluster.ReplicaCount)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/regplane.yaml"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

// Package config loads the process-level configuration for regplaned:
// listen addresses, TLS, cluster peers, durability location, and the
// naming-registry tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Cluster ClusterConfig  `yaml:"cluster"`
	Naming  NamingConfig   `yaml:"naming"`
	Config  ConfigStoreCfg `yaml:"config"`
	Logging LoggingConfig  `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// ServerConfig defines the hand-rolled gRPC listener settings.
type ServerConfig struct {
	ClientListen  string    `yaml:"client_listen"`  // client bi-stream only
	ClusterListen string    `yaml:"cluster_listen"` // peer route RPC
	TLS           TLSConfig `yaml:"tls"`
}

// TLSConfig controls mutual TLS between cluster peers.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// ClusterConfig names this node and its peers for the rendezvous ring.
// Node ids are numeric cluster ids carried in every peer message's
// extend_info.
type ClusterConfig struct {
	NodeID          string        `yaml:"node_id"`
	Peers           []string      `yaml:"peers"` // "node_id=host:port"
	ReplicaCount    int           `yaml:"replica_count"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	PeerTimeout     time.Duration `yaml:"peer_timeout"`
	SyncBatchSize   int           `yaml:"sync_batch_size"`
	SyncBatchDelay  time.Duration `yaml:"sync_batch_delay"`
}

// NamingConfig holds the naming registry's timing and threshold tunables.
type NamingConfig struct {
	ProtectThreshold    float64       `yaml:"protect_threshold"`
	HealthCheckPeriod   time.Duration `yaml:"health_check_period"`
	UnhealthyAfter      time.Duration `yaml:"unhealthy_after"`
	ExpireAfter         time.Duration `yaml:"expire_after"`
	DelayNotifyWindow   time.Duration `yaml:"delay_notify_window"`
	EmptyServiceReapTTL time.Duration `yaml:"empty_service_reap_ttl"`
	OrphanMetaReapTTL   time.Duration `yaml:"orphan_meta_reap_ttl"`
}

// ConfigStoreCfg points the durability collaborator at its SQLite file.
type ConfigStoreCfg struct {
	DataSource string `yaml:"data_source"`
}

// LoggingConfig mirrors internal/logging's Config shape for YAML loading.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	LocalTime  bool   `yaml:"local_time"`
}

// MetricsConfig controls the internal Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns a Config with sensible standalone-node defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ClientListen:  ":9848",
			ClusterListen: ":9849",
		},
		Cluster: ClusterConfig{
			NodeID:          "1",
			ReplicaCount:    256,
			HeartbeatPeriod: 2 * time.Second,
			PeerTimeout:     15 * time.Second,
			SyncBatchSize:   100,
			SyncBatchDelay:  100 * time.Millisecond,
		},
		Naming: NamingConfig{
			ProtectThreshold:    0,
			HealthCheckPeriod:   2 * time.Second,
			UnhealthyAfter:      15 * time.Second,
			ExpireAfter:         30 * time.Second,
			DelayNotifyWindow:   500 * time.Millisecond,
			EmptyServiceReapTTL: 60 * time.Second,
			OrphanMetaReapTTL:   60 * time.Second,
		},
		Config: ConfigStoreCfg{
			DataSource: "regplane.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9850",
		},
	}
}

// Load reads and parses a YAML config file, starting from defaults so
// unset fields keep their zero-friendly values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

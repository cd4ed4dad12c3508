// regplaned is the config-center and service-discovery daemon: it
// serves the client bi-stream on one listener (client requests and
// pushes both travel over the stream; there is no client unary RPC),
// the intra-cluster route RPC on another, and an optional Prometheus
// endpoint on a third.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/wudi/regplane/internal/bistream"
	"github.com/wudi/regplane/internal/cluster"
	"github.com/wudi/regplane/internal/cluster/node"
	clustersync "github.com/wudi/regplane/internal/cluster/sync"
	"github.com/wudi/regplane/internal/cluster/transport"
	"github.com/wudi/regplane/internal/config"
	"github.com/wudi/regplane/internal/configstore"
	"github.com/wudi/regplane/internal/configsub"
	"github.com/wudi/regplane/internal/durability"
	"github.com/wudi/regplane/internal/logging"
	"github.com/wudi/regplane/internal/metrics"
	"github.com/wudi/regplane/internal/naming"
	"github.com/wudi/regplane/internal/namingsub"
	"github.com/wudi/regplane/internal/protocol"
	"github.com/wudi/regplane/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to regplane.yaml (defaults used when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		LocalTime:  cfg.Logging.LocalTime,
	})
	if err != nil {
		return err
	}
	logging.SetGlobal(logger)
	defer func() {
		logging.Sync()
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	selfID, err := node.ParseClusterID(cfg.Cluster.NodeID)
	if err != nil {
		return err
	}
	peerAddrs, err := parsePeers(cfg.Cluster.Peers)
	if err != nil {
		return err
	}

	// Durability + config plane.
	durStore, err := durability.Open(cfg.Config.DataSource)
	if err != nil {
		return err
	}
	defer durStore.Close()

	subIndex := configsub.New()
	store, err := configstore.New(ctx, durStore, subIndex, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Naming plane.
	namingSub := namingsub.New(cfg.Naming.DelayNotifyWindow)
	registry := naming.New(ctx, naming.Config{
		HealthyWindow:           cfg.Naming.UnhealthyAfter,
		OfflineWindow:           cfg.Naming.ExpireAfter,
		ServiceReapTTL:          cfg.Naming.EmptyServiceReapTTL,
		InstanceMetadataReapTTL: cfg.Naming.OrphanMetaReapTTL,
		TimeCheckPeriod:         cfg.Naming.HealthCheckPeriod,
	}, namingSub, logger)
	defer registry.Close()

	// Cluster plane.
	var serverTLS, clientTLS *tls.Config
	if cfg.Server.TLS.Enabled {
		if serverTLS, err = cluster.BuildServerTLSConfig(cfg.Server.TLS); err != nil {
			return err
		}
		if clientTLS, err = cluster.BuildClientTLSConfig(cfg.Server.TLS); err != nil {
			return err
		}
	}

	pool := transport.NewPool(selfID, peerAddrs, clientTLS, logger)
	defer pool.Close()

	fetcher := transport.NewSnapshotFetcher(pool, transport.RegistryApplier{Registry: registry},
		selfID, cfg.Cluster.ReplicaCount, logger)

	peerIDs := pool.PeerIDs()
	nodeMgr := node.New(ctx, selfID, peerIDs, node.Config{
		RangeCount:     cfg.Cluster.ReplicaCount,
		LivenessWindow: cfg.Cluster.PeerTimeout,
		PingPeriod:     cfg.Cluster.HeartbeatPeriod,
	}, pool, fetcher, logger)
	defer nodeMgr.Close()

	sender := clustersync.New(selfID, peerIDs, clustersync.Config{
		BatchWindow:     cfg.Cluster.SyncBatchDelay,
		BatchMaxItems:   cfg.Cluster.SyncBatchSize,
		SendRetries:     3,
		RetryInterval:   time.Second,
		PendingLimit:    10000,
		DegradedRecheck: 5 * time.Second,
	}, pool, registry, logger)
	defer sender.Close()
	registry.SetReplicator(sender)

	// Protocol + push plane.
	adapter := protocol.NewAdapter(store, subIndex, registry, namingSub)
	manager := bistream.NewManager(adapter, subIndex, namingSub, registry, bistream.DefaultConfig(), logger)
	subIndex.SetNotifier(manager)
	namingSub.Wire(registry, manager)

	// Metrics.
	if cfg.Metrics.Enabled {
		m := metrics.New()
		shutdown, err := m.Serve(cfg.Metrics.Listen)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
		go sampleMetrics(ctx, m, manager)
	}

	// Listeners.
	clientSrv := newGRPCServer(serverTLS)
	clientSrv.RegisterService(&wire.BiStreamServiceServiceDesc, manager)

	routeSrv := newGRPCServer(serverTLS)
	routeSrv.RegisterService(&wire.ClusterRouteServiceServiceDesc,
		transport.NewRouteServer(registry, nodeMgr, selfID, logger))

	errCh := make(chan error, 2)
	go func() { errCh <- serve(clientSrv, cfg.Server.ClientListen, "client", logger) }()
	go func() { errCh <- serve(routeSrv, cfg.Server.ClusterListen, "cluster", logger) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		clientSrv.GracefulStop()
		routeSrv.GracefulStop()
		return nil
	case err := <-errCh:
		clientSrv.Stop()
		routeSrv.Stop()
		return err
	}
}

func newGRPCServer(tlsCfg *tls.Config) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	return grpc.NewServer(opts...)
}

func serve(srv *grpc.Server, addr, name string, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", name, addr, err)
	}
	logger.Info("listener starting", zap.String("name", name), zap.String("addr", addr))
	return srv.Serve(lis)
}

// parsePeers turns "cluster_id=host:port" entries into an address map.
func parsePeers(entries []string) (map[uint64]string, error) {
	peers := make(map[uint64]string, len(entries))
	for _, entry := range entries {
		id, addr, found := strings.Cut(entry, "=")
		if !found {
			return nil, fmt.Errorf("malformed peer %q, want cluster_id=host:port", entry)
		}
		clusterID, err := node.ParseClusterID(id)
		if err != nil {
			return nil, err
		}
		peers[clusterID] = addr
	}
	return peers, nil
}

// sampleMetrics refreshes gauges that are cheaper to poll than to hook.
func sampleMetrics(ctx context.Context, m *metrics.Registry, manager *bistream.Manager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.BiStreamConns.Set(float64(manager.ConnectionCount()))
		case <-ctx.Done():
			return
		}
	}
}

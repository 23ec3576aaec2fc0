package main

import (
	"context"
	"io"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/migration"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/cluster/rebalance"
	"github.com/10yihang/shardmigrate/internal/cluster/router"
	"github.com/10yihang/shardmigrate/internal/cluster/state"
	"github.com/10yihang/shardmigrate/internal/cluster/topology"
	"github.com/10yihang/shardmigrate/internal/cluster/tracker"
	"github.com/10yihang/shardmigrate/internal/config"
	"github.com/10yihang/shardmigrate/internal/engine"
	badgerstore "github.com/10yihang/shardmigrate/internal/engine/badger"
	"github.com/10yihang/shardmigrate/internal/engine/memory"
	"github.com/10yihang/shardmigrate/internal/logger"
	"github.com/10yihang/shardmigrate/internal/metrics"
	"github.com/10yihang/shardmigrate/internal/protocol"
	"github.com/10yihang/shardmigrate/internal/transport"
)

func newServeCommand(stderr io.Writer) *cobra.Command {
	var nodeID string
	var driver bool
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a node",
		Long: `
Runs one node: the client RESP port, the cluster bus used for shard
migration, and the metrics endpoint. With --driver the node also runs
the rebalance driver and rebalances whenever membership changes.
`,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			if driver {
				cfg.Rebalance.Driver = true
			}
			return runServer(cfg, newLogger(c, cfg, stderr))
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&nodeID, "node-id", "", "node id, overrides the config file")
	flags.BoolVar(&driver, "driver", false, "run the rebalance driver on this node")
	return cmd
}

func openStore(cfg *config.Config, log logger.Logger) (engine.Engine, error) {
	if cfg.Storage == config.StorageMemory {
		return memory.NewStore(), nil
	}
	return badgerstore.NewStore(filepath.Join(cfg.DataDir, "shards"), log)
}

func runServer(cfg *config.Config, log logger.Logger) error {
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	sm, err := state.NewStateManager(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer sm.Close()

	c := cluster.NewCluster(&cluster.Config{NodeID: cfg.NodeID, Addr: cfg.ClusterBind}, log)
	seeds, pods, err := membershipSource(cfg, log)
	if err != nil {
		return err
	}
	holder := placement.NewHolder(nil)

	tr := transport.NewRESPTransport(c.NodeID(), cfg.RESPConfig(), func(id string) (string, error) {
		return topology.ResolveEndpoint(id, c.Membership())
	}, log)
	defer tr.Close()

	mgr := migration.NewManager(c.NodeID(), cfg.MigrationConfig(), holder, store, tr, nil, log)
	d := rebalance.NewDriver(cfg.RebalanceConfig(), c, holder, tr, mgr.Tracker(), log)
	d.SetMembershipSource(seeds)
	d.SetManager(mgr)
	d.SetStateManager(sm)
	mgr.OnPublish(func(*placement.Table) { sm.MarkDirty() })

	if err := sm.Load(); err != nil {
		log.Warnf("load state: %v", err)
	}
	if _, err := c.Refresh(seeds); err != nil {
		return err
	}

	if err := mgr.Start(); err != nil {
		return err
	}
	defer mgr.Close()

	wd := tracker.NewWatchdog(mgr.Tracker(), time.Duration(cfg.Migration.WatchdogInterval), log)
	wd.Start()
	defer wd.Stop()

	metrics.InitInfo(version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	exporter := metrics.NewExporter(cfg.MetricsBind)
	go func() {
		if err := exporter.Start(); err != nil {
			log.Errorf("metrics exporter: %v", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exporter.Stop(ctx)
	}()

	handler := protocol.NewHandler(store, router.NewClusterRouter(c, holder, mgr), holder)
	server := protocol.NewServer(cfg.Bind, handler, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Errorf("client port: %v", err)
		}
	}()
	defer server.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if pods != nil {
		go pods.Watch(ctx, c, time.Duration(cfg.Kubernetes.PollInterval))
	}
	log.Infof("node %s up, table v%d, %d members", c.NodeID(), holder.Version(), c.Membership().Len())
	if cfg.Rebalance.Driver {
		go d.Run(ctx)
		d.Trigger()
	}

	<-ctx.Done()
	log.Infof("shutting down")
	return sm.Save()
}

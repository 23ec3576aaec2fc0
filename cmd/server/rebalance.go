package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/10yihang/shardmigrate/internal/cluster"
	"github.com/10yihang/shardmigrate/internal/cluster/placement"
	"github.com/10yihang/shardmigrate/internal/cluster/rebalance"
	"github.com/10yihang/shardmigrate/internal/cluster/state"
	"github.com/10yihang/shardmigrate/internal/cluster/topology"
	"github.com/10yihang/shardmigrate/internal/cluster/tracker"
	"github.com/10yihang/shardmigrate/internal/transport"
)

func newRebalanceCommand(stdout, stderr io.Writer) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Rebalance the cluster once",
		Long: `
Builds a placement table for the seed members in the configuration,
migrates shards between the nodes and publishes the table. The last
published table is read from and written back to the data directory.
`,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			log := newLogger(c, cfg, stderr)

			sm, err := state.NewStateManager(cfg.DataDir, log)
			if err != nil {
				return err
			}
			defer sm.Close()

			cl := cluster.NewCluster(&cluster.Config{NodeID: "rebalance-" + cfg.NodeID}, log)
			holder := placement.NewHolder(nil)
			rc := cfg.RESPConfig()
			tr := transport.NewRESPTransport(cl.NodeID(), rc, func(id string) (string, error) {
				return topology.ResolveEndpoint(id, cl.Membership())
			}, log)
			defer tr.Close()

			trk := tracker.New()
			tr.OnReply(func(id uint64, reply *transport.Message, err error) {
				trk.Resolve(id, reply, err)
			})
			wd := tracker.NewWatchdog(trk, time.Duration(cfg.Migration.WatchdogInterval), log)
			wd.Start()
			defer wd.Stop()

			d := rebalance.NewDriver(cfg.RebalanceConfig(), cl, holder, tr, trk, log)
			d.SetStateManager(sm)
			if err := sm.Load(); err != nil {
				return err
			}
			seeds, _, err := membershipSource(cfg, log)
			if err != nil {
				return err
			}
			d.SetMembershipSource(seeds)
			if _, err := cl.Refresh(seeds); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			t, err := d.Rebalance(ctx)
			if err != nil {
				return err
			}
			st := d.Status()
			fmt.Fprintf(stdout, "%s: table v%d, %d sessions, %d retries\n", st.LastOutcome, t.Version(), st.Sessions, st.Retries)
			return sm.Save()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up after this long")
	return cmd
}

// Command findkey prints keys that hash to a given shard, for seeding test
// data onto a particular node.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/10yihang/shardmigrate/internal/cluster/hash"
)

func main() {
	var width, shard uint
	var prefix string
	var count int
	cmd := &cobra.Command{
		Use:          "findkey",
		Short:        "Print keys owned by one shard",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			if width > hash.MaxWidth || shard >= uint(hash.TokenCount(width)) {
				return errors.Errorf("shard %d out of range for width %d", shard, width)
			}
			found := 0
			for i := 0; i < 1<<24 && found < count; i++ {
				key := fmt.Sprintf("%s%d", prefix, i)
				if hash.KeyToken(key, width) == uint32(shard) {
					fmt.Fprintln(c.OutOrStdout(), key)
					found++
				}
			}
			if found == 0 {
				fmt.Fprintln(c.OutOrStdout(), "Not found")
			}
			return nil
		},
	}
	cmd.Flags().UintVar(&width, "width", 10, "placement width")
	cmd.Flags().UintVar(&shard, "shard", 0, "target shard")
	cmd.Flags().StringVar(&prefix, "prefix", "key-", "key prefix")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of keys to print")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

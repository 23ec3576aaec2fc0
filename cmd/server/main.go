package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/10yihang/shardmigrate/internal/config"
	"github.com/10yihang/shardmigrate/internal/logger"
)

const version = "0.1.0"

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "shardmigrate",
		Short: "Shard migration and cluster rebalancing coordinator",
		Long: `
Runs a shard-owning node that copies shards to its peers when the
placement table changes, and the driver that computes and publishes
new tables when membership changes.
`,
		SilenceUsage: true,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")
	rc.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging.")

	rc.AddCommand(newServeCommand(stderr))
	rc.AddCommand(newRebalanceCommand(stdout, stderr))
	rc.AddCommand(newConfigCommand(stdout))
	rc.AddCommand(newCLICommand(stdout))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// loadConfig reads the --config file, or returns defaults when none is set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) logger.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose || cfg.Verbose {
		return logger.NewVerboseLogger(w)
	}
	return logger.NewStandardLogger(w)
}

func newConfigCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration",
		RunE: func(c *cobra.Command, args []string) error {
			buf, err := config.Default().Marshal()
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, string(buf))
			return nil
		},
	}
}

// Command relay runs the work-queue service and its admin commands.
package main

import (
	"fmt"
	"os"

	"github.com/bissquit/relay/internal/config"
	"github.com/bissquit/relay/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Locked work-queue claim-and-process service",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.GitCommit, version.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RELAY_CONFIG"),
		"path to YAML config file (env RELAY_CONFIG)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newEnqueueCmd(load),
		newReapCmd(load),
		newStatsCmd(load),
	)
	return root
}

type configLoader func() (*config.Config, error)

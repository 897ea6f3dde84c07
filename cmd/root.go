package cmd

import (
	"transcode-jobs/config"

	"github.com/spf13/cobra"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "transcode-jobs",
		Short:        "transcode job API, worker pool and housekeeping",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(server(config))
	rootCmd.AddCommand(worker(config))
	rootCmd.AddCommand(reconcile(config))
	rootCmd.AddCommand(cleanup(config))
	return rootCmd
}

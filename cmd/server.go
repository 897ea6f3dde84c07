package cmd

import (
	"transcode-jobs/config"
	server2 "transcode-jobs/server"

	"github.com/spf13/cobra"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start job api http server",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunHttp(config)
		},
	}
}

func worker(config *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "start transcode pollers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunWorker(config)
		},
	}
	cmd.Flags().IntVarP(&config.Server.Workers, "workers", "w", config.Server.Workers, "number of pollers")
	return cmd
}

func reconcile(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "mark dead-lettered jobs permanently failed and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunReconcile(config)
		},
	}
}

func cleanup(config *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "delete failed jobs past their retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server2.RunCleanup(config)
		},
	}
	cmd.Flags().DurationVar(&config.Housekeeping.Retention, "retention", config.Housekeeping.Retention, "keep failed jobs this long")
	return cmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lupppig/snsbus/internal/backend"
	"github.com/lupppig/snsbus/internal/config"
)

// newQueuesCmd talks to the queue service directly, not to the API.
func newQueuesCmd() *cobra.Command {
	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Manage the dispatch queues",
	}

	var configPath string
	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Provision the publish and endpoint job queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			q, err := backend.OpenQueues(cmd.Context(), cfg.Queue)
			if err != nil {
				return fmt.Errorf("open queues: %w", err)
			}
			defer q.Close()

			names, err := backend.EnsureQueues(cmd.Context(), q, cfg.Queue)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	ensureCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigFileName, "path to the server YAML config")

	queuesCmd.AddCommand(ensureCmd)
	return queuesCmd
}

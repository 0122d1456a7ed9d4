package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/G-Research/gridmerge/internal/gridmerge"
	"github.com/G-Research/gridmerge/internal/gridmerge/configuration"
)

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Runs the jobs of the plan assigned to one worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workerId, err := cmd.Flags().GetInt("worker")
			if err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, config configuration.GridMergeConfiguration) error {
				return gridmerge.RunWorker(ctx, config, workerId)
			})
		},
	}
	cmd.Flags().Int("worker", 1, "Id of this worker, from 1 to job.workers")
	return cmd
}

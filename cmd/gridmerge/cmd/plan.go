package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/G-Research/gridmerge/internal/gridmerge"
	"github.com/G-Research/gridmerge/internal/gridmerge/configuration"
)

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Assigns the jobs of the grid to workers and writes the plan shared by a distributed run",
		Long: `Derives the grid from the base control file, assigns its jobs to the configured number of workers
and writes the assignment. Control files left in the tmp directory by an earlier run of the same job are removed.
Pass the written file as job.plan to the coordinate and work commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return err
			}
			return run(cmd, func(_ context.Context, config configuration.GridMergeConfiguration) error {
				_, err := gridmerge.SavePlan(config, out)
				return err
			})
		},
	}
	cmd.Flags().String("out", "plan.yaml", "Where the plan is written")
	return cmd
}

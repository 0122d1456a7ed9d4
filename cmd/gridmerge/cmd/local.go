package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/gridmerge/internal/gridmerge"
)

func localCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Runs the coordinator and every worker in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, gridmerge.RunLocal)
		},
	}
	return cmd
}

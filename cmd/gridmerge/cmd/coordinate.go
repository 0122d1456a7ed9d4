package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/gridmerge/internal/gridmerge"
)

func coordinateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinate",
		Short: "Receives the signals of the workers and merges their outputs per projection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, gridmerge.RunCoordinator)
		},
	}
	return cmd
}

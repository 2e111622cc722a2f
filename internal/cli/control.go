package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newControlCmd builds cancel, terminate and suspend, which differ only in
// the endpoint they call.
func newControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <job_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			rec, err := client.Control(cmd.Context(), id, action)
			if err != nil {
				return fmt.Errorf("%s job: %w", action, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s\n", id, rec.Status)
			return nil
		},
	}
}

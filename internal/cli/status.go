package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/me/renderq/pkg/model"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Check the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := client.Job(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			printRecord(cmd.OutOrStdout(), rec)
			return nil
		},
	}
}

func printRecord(w io.Writer, rec model.JobRecord) {
	fmt.Fprintf(w, "Job: %s\n", rec.ID)
	fmt.Fprintf(w, "  Name:     %s\n", rec.Name)
	fmt.Fprintf(w, "  Status:   %s\n", rec.Status)
	fmt.Fprintf(w, "  Priority: %s\n", rec.Priority)
	fmt.Fprintf(w, "  Progress: %d%%", rec.ProgressPercent)
	if rec.ProgressString != "" {
		fmt.Fprintf(w, " (%s)", rec.ProgressString)
	}
	fmt.Fprintln(w)
	if rec.Attempts > 1 {
		fmt.Fprintf(w, "  Attempts: %d\n", rec.Attempts)
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "  Error:    %s\n", rec.Error)
	}
	fmt.Fprintf(w, "  Created:  %s (%s)\n", rec.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(rec.CreatedAt))
	if rec.Duration != "" {
		fmt.Fprintf(w, "  Duration: %s\n", rec.Duration)
	}
}

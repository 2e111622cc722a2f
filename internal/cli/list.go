package cli

import (
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/me/renderq/pkg/model"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var (
		status string
		name   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live and finished jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if status != "" {
				q.Set("status", status)
			}
			if name != "" {
				q.Set("name", name)
			}

			data, pg, err := client.Jobs(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(data.Live) == 0 && len(data.History) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			printTable(out, append(data.Live, data.History...))
			if pg != nil && pg.HasMore {
				fmt.Fprintf(out, "\n(%d of %d finished shown)\n", len(data.History), pg.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&name, "name", "", "Filter by job name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum finished jobs to show")
	return cmd
}

func printTable(w io.Writer, recs []model.JobRecord) {
	fmt.Fprintf(w, "%-40s  %-10s  %-8s  %-4s  %-20s  %s\n", "ID", "STATUS", "PRIORITY", "PCT", "NAME", "CREATED")
	fmt.Fprintf(w, "%-40s  %-10s  %-8s  %-4s  %-20s  %s\n", "--", "------", "--------", "---", "----", "-------")
	for _, rec := range recs {
		fmt.Fprintf(w, "%-40s  %-10s  %-8s  %3d%%  %-20s  %s\n",
			rec.ID, rec.Status, rec.Priority, rec.ProgressPercent, rec.Name, humanize.Time(rec.CreatedAt))
	}
}

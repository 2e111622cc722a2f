package cli

import (
	"fmt"
	"time"

	"github.com/me/renderq/pkg/model"
	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		name         string
		priority     string
		target       string
		width        int
		height       int
		threshold    int
		workers      int
		pipelineFile string
		stages       []string
		wait         bool
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a render job",
		Long: `Submit a render of a synthetic gradient through a pipeline of stages.

Stages come from --pipeline (a YAML list of {op, value, expr}) followed by
each --stage flag, written as op or op=value, for example:

  renderq submit --stage invert --stage brightness=-20 --stage 'expr=[b, g, r]'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePriority(priority)
			if err != nil {
				return err
			}
			specs, err := loadStages(pipelineFile, stages)
			if err != nil {
				return err
			}

			rec, err := client.Submit(cmd.Context(), RenderRequest{
				Name:      name,
				Priority:  p,
				Target:    target,
				Width:     width,
				Height:    height,
				Threshold: threshold,
				Workers:   workers,
				Pipeline:  specs,
			})
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job submitted: %s (%s, %s)\n", rec.ID, rec.Name, rec.Priority)
			if !wait {
				return nil
			}

			final, err := client.WaitJob(cmd.Context(), rec.ID, pollInterval)
			if err != nil {
				return err
			}
			printRecord(out, final)
			if final.Status != model.JobStatusComplete {
				return fmt.Errorf("job %s finished %s", final.ID, final.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "render", "Job name")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Priority (highest, high, normal, low, lowest)")
	cmd.Flags().StringVar(&target, "target", "", "Named target buffer; a newer render of the same target preempts older ones")
	cmd.Flags().IntVar(&width, "width", 512, "Image width in pixels")
	cmd.Flags().IntVar(&height, "height", 512, "Image height in pixels")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "Leaf size in pixels (0 for server default)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Fork/join goroutine bound (0 for server default)")
	cmd.Flags().StringVar(&pipelineFile, "pipeline", "", "YAML file with pipeline stages")
	cmd.Flags().StringArrayVar(&stages, "stage", nil, "Pipeline stage: op or op=value (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the job to finish")
	cmd.Flags().DurationVar(&pollInterval, "poll", 250*time.Millisecond, "Status poll interval with --wait")

	return cmd
}

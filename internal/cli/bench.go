package cli

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/renderq/internal/render"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var (
		width        int
		height       int
		threshold    int
		workers      []int
		runs         int
		pipelineFile string
		stages       []string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time a render locally, without a server",
		Long: `Render a synthetic gradient in-process once per worker count and print
the best run time of each. Stages are given as for submit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := loadStages(pipelineFile, stages)
			if err != nil {
				return err
			}
			if len(specs) == 0 {
				specs = []render.StageSpec{{Op: "invert"}}
			}
			pipeline, err := render.NewPipeline(specs)
			if err != nil {
				return err
			}
			if runs <= 0 {
				return fmt.Errorf("--runs must be positive, got %d", runs)
			}
			if len(workers) == 0 {
				workers = []int{1, runtime.NumCPU()}
			}

			src := render.Gradient(width, height)
			pixels := uint64(src.Len())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%dx%d (%s pixels), %d stage(s), threshold %d\n",
				width, height, humanize.Comma(int64(pixels)), len(pipeline), threshold)
			fmt.Fprintf(out, "%-8s  %-12s  %s\n", "WORKERS", "BEST", "PIXELS/S")

			for _, n := range workers {
				h, err := render.NewBuilder("bench", render.NewBuffer(width, height), pipeline).
					Source(src).
					Threshold(threshold).
					Workers(n).
					Logger(logger).
					Build()
				if err != nil {
					return err
				}

				var best time.Duration
				for i := 0; i < runs; i++ {
					if err := h.Run(cmd.Context()); err != nil {
						return fmt.Errorf("run with %d workers: %w", n, err)
					}
					d, _ := h.Duration()
					if best == 0 || d < best {
						best = d
					}
				}
				rate := float64(pixels) / max(best.Seconds(), 1e-9)
				fmt.Fprintf(out, "%-8d  %-12s  %s\n", n, best.Round(time.Microsecond), humanize.SIWithDigits(rate, 1, ""))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&width, "width", 1024, "Image width in pixels")
	cmd.Flags().IntVar(&height, "height", 1024, "Image height in pixels")
	cmd.Flags().IntVar(&threshold, "threshold", render.DefaultThreshold, "Leaf size in pixels")
	cmd.Flags().IntSliceVar(&workers, "workers", nil, "Worker counts to compare (default 1 and NumCPU)")
	cmd.Flags().IntVar(&runs, "runs", 3, "Runs per worker count")
	cmd.Flags().StringVar(&pipelineFile, "pipeline", "", "YAML file with pipeline stages")
	cmd.Flags().StringArrayVar(&stages, "stage", nil, "Pipeline stage: op or op=value (repeatable)")
	return cmd
}

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		workItem    string
		triggerFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once for a work item",
		Long: `Run the pipeline for one work item in the foreground and wait until it
settles.

The command exits when the run completes, halts, fails, or stops at a
human gate. Exit codes:
  0  completed
  2  awaiting approval (continue with 'cogworks approve')
  3  halted
  4  failed`,
		Example: `  # Run for issue 42 with an empty trigger
  cogworks run --work-item 42

  # Run with the issue payload as the trigger
  cogworks run --work-item 42 --trigger issue.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wi, err := parseWorkItem(workItem)
			if err != nil {
				return err
			}

			trigger := []byte("{}")
			if triggerFile != "" {
				trigger, err = os.ReadFile(triggerFile)
				if err != nil {
					return fmt.Errorf("failed to read trigger: %w", err)
				}
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			id, err := a.executor.Start(ctx, wi, trigger)
			if err != nil {
				return err
			}
			log.Info().
				Str("run", id.String()).
				Str("work_item", wi.String()).
				Str("pipeline", string(a.graph.Name())).
				Msg("Run started")

			run, err := a.executor.WaitSettled(ctx, id)
			if err != nil {
				return err
			}
			return report(nil, run)
		},
	}

	cmd.Flags().StringVarP(&workItem, "work-item", "w", "", "work item (issue) number")
	cmd.Flags().StringVarP(&triggerFile, "trigger", "t", "", "JSON file used as the run trigger")
	cmd.MarkFlagRequired("work-item")

	return cmd
}

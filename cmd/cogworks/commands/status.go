package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "status <work-item>",
		Short: "Show a work item and its latest run",
		Args:  cobra.ExactArgs(1),
		Example: `  cogworks status 42
  cogworks status 42 --history 10 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wi, err := parseWorkItem(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// Status only reads the store, so it does not load the pipeline.
			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Init(ctx); err != nil {
				return err
			}
			if err := store.Migrate(ctx); err != nil {
				return err
			}

			item, err := store.GetWorkItem(ctx, wi)
			if err != nil {
				return err
			}
			var runs []*engine.RunSnapshot
			if history > 0 {
				runs, err = store.ListRuns(ctx, wi, history)
				if err != nil {
					return err
				}
			}
			latest, err := latestRun(ctx, store, item)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					runResult
					History []*engine.RunSnapshot `json:"history,omitempty"`
				}{runResult{WorkItem: item, Run: latest}, runs})
			}

			fmt.Printf("Work item: %s\n", item.ID)
			fmt.Printf("Spent:     %s\n", item.Accumulated)
			if item.Held {
				fmt.Printf("Held:      %s (clear with 'cogworks release %s')\n", item.HeldReason, item.ID)
			}
			if latest == nil {
				fmt.Println("No runs")
				return nil
			}
			fmt.Println()
			printRun(os.Stdout, latest)

			if len(runs) > 0 {
				fmt.Println()
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tSTATE\tCOST\tCREATED")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.State, r.Accumulated, r.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				tw.Flush()
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&history, "history", 0, "also list up to N earlier runs")

	return cmd
}

func latestRun(ctx context.Context, store *stores.SQLiteStore, item *engine.WorkItem) (*engine.RunSnapshot, error) {
	if item.CurrentRun == nil {
		return nil, nil
	}
	return store.GetRun(ctx, *item.CurrentRun)
}

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cogworks/cogworks/pkg/stores"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the durable event queue",
	}
	cmd.AddCommand(newQueueDepthCommand())
	cmd.AddCommand(newQueueDeadLettersCommand())
	cmd.AddCommand(newQueuePruneCommand())
	return cmd
}

// deadLetterQueue is implemented by backends that keep dead letters
// inspectable.
type deadLetterQueue interface {
	DeadLetters(ctx context.Context, limit int) ([]stores.DeadLetter, error)
	Prune(ctx context.Context, age time.Duration) (int64, error)
}

// withQueue opens only the store and the queue; the pipeline is not loaded.
func withQueue(ctx context.Context, fn func(q queue) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tel, err := newTelemetry(cfg)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.NewComponentLogger("cli")}
	defer a.close(context.Background())

	q, err := a.openQueue(ctx)
	if err != nil {
		return err
	}
	return fn(q)
}

func withDeadLetters(ctx context.Context, fn func(q deadLetterQueue) error) error {
	return withQueue(ctx, func(q queue) error {
		dq, ok := q.(deadLetterQueue)
		if !ok {
			return fmt.Errorf("queue backend does not support dead-letter inspection")
		}
		return fn(dq)
	})
}

func newQueueDepthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "depth",
		Short: "Count pending, leased and dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(q queue) error {
				d, err := q.Depth(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(d)
				}
				fmt.Printf("Pending:       %d\n", d.Pending)
				fmt.Printf("Leased:        %d\n", d.Leased)
				fmt.Printf("Dead-lettered: %d\n", d.DeadLettered)
				return nil
			})
		},
	}
}

func newQueueDeadLettersCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List messages that exhausted their deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(cmd.Context(), func(q deadLetterQueue) error {
				dead, err := q.DeadLetters(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(dead)
				}
				if len(dead) == 0 {
					fmt.Println("No dead letters")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tWORK ITEM\tKIND\tATTEMPTS\tDEAD AT")
				for _, d := range dead {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\n", d.ID, d.SessionKey, d.Kind, d.Attempts, d.DeadAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages listed")

	return cmd
}

func newQueuePruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete acknowledged messages",
		Example: `  cogworks queue prune --older-than 168h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeadLetters(cmd.Context(), func(q deadLetterQueue) error {
				n, err := q.Prune(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				fmt.Printf("Pruned %d messages\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "only prune messages acknowledged before this age")

	return cmd
}

package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cogworks/cogworks/pkg/listener"
)

func newEnqueueCommand() *cobra.Command {
	var (
		kind     string
		delivery string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <payload.json|->",
		Short: "Add a GitHub event payload to the durable queue",
		Long: `Write one GitHub event payload to the queue for 'cogworks serve queue' to
consume. The work item is taken from the payload's issue or pull request
number. Without --delivery the payload digest is the deduplication key,
so enqueueing the same file twice delivers it once.`,
		Example: `  cogworks enqueue --kind issues issue-opened.json
  gh api repos/o/r/issues/42 | cogworks enqueue --kind issues -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if args[0] == "-" {
				body, err = io.ReadAll(io.LimitReader(os.Stdin, listener.MaxWebhookBody))
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}

			ev, err := listener.ParseEvent("cli", kind, delivery, body)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return withQueue(ctx, func(q queue) error {
				if err := q.Enqueue(ctx, ev); err != nil {
					return err
				}
				log.Info().
					Str("work_item", ev.SessionKey.String()).
					Str("kind", ev.Kind).
					Str("dedup_key", ev.DedupKey).
					Msg("Event enqueued")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "issues", "GitHub event kind (issues, issue_comment, ...)")
	cmd.Flags().StringVar(&delivery, "delivery", "", "delivery id used for deduplication")

	return cmd
}

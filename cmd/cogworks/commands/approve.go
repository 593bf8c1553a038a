package commands

import (
	"context"
	"errors"
	"fmt"
	"os/user"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "cli"
}

func newApproveCommand() *cobra.Command {
	var (
		node     string
		approver string
		detach   bool
	)

	cmd := &cobra.Command{
		Use:   "approve <work-item>",
		Short: "Approve a pending human gate",
		Long: `Approve the human gate a work item's run is waiting on and continue the
run in the foreground until it settles again.

Without --node every pending gate of the run is approved.`,
		Example: `  # Approve every pending gate of issue 42
  cogworks approve 42

  # Approve one gate and return immediately
  cogworks approve 42 --node review --detach`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wi, err := parseWorkItem(args[0])
			if err != nil {
				return err
			}
			if approver == "" {
				approver = currentUser()
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := a.executor.Approve(ctx, wi, pipeline.NodeID(node), approver); err != nil {
				return signalError(wi, err)
			}
			log.Info().Str("work_item", wi.String()).Str("approver", approver).Msg("Approved")

			return settle(ctx, a, wi, detach)
		},
	}

	cmd.Flags().StringVarP(&node, "node", "n", "", "gate to approve (default: every pending gate)")
	cmd.Flags().StringVar(&approver, "approver", "", "name recorded as the approver (default: current user)")
	cmd.Flags().BoolVar(&detach, "detach", false, "return once the decision is recorded")

	return cmd
}

func newRejectCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <work-item>",
		Short: "Reject a pending human gate and halt the run",
		Args:  cobra.ExactArgs(1),
		Example: `  cogworks reject 42 --reason "plan touches the billing module"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wi, err := parseWorkItem(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if reason == "" {
				reason = "rejected by " + currentUser()
			}
			if err := a.executor.Reject(ctx, wi, reason); err != nil {
				return signalError(wi, err)
			}
			log.Info().Str("work_item", wi.String()).Str("reason", reason).Msg("Rejected")

			return settle(ctx, a, wi, false)
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded on the halted run")

	return cmd
}

func newReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <work-item>",
		Short: "Clear a content-safety hold",
		Long: `Release a work item that was held after a prompt injection was detected
in its content. New runs for the work item are refused until it is
released.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wi, err := parseWorkItem(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := a.executor.Release(ctx, wi); err != nil {
				return err
			}
			fmt.Printf("Work item %s released\n", wi)
			return nil
		},
	}
}

// settle reports the work item's current run once it stops progressing.
func settle(ctx context.Context, a *app, wi pipeline.WorkItemID, detach bool) error {
	item, run, err := a.executor.Status(ctx, wi)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("work item %s has no run", wi)
	}
	if !detach {
		run, err = a.executor.WaitSettled(ctx, run.ID)
		if err != nil {
			return err
		}
	}
	return report(item, run)
}

func signalError(wi pipeline.WorkItemID, err error) error {
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, engine.ErrNoActiveRun):
		return fmt.Errorf("work item %s has no active run", wi)
	case errors.Is(err, engine.ErrNoPendingApproval):
		return fmt.Errorf("work item %s is not waiting for approval", wi)
	default:
		return err
	}
}

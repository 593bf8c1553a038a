package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cogworks/cogworks/pkg/listener"
)

// drainTimeout bounds how long serve waits for in-flight events after a
// shutdown signal.
const drainTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var triggerLabel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator as a long-lived service",
		Long: `Run the orchestrator and ingest work-item events until interrupted.

Runs left unfinished by a previous process are resumed first. Events for
the same work item are handled in order; different work items proceed in
parallel.`,
	}
	cmd.PersistentFlags().StringVar(&triggerLabel, "trigger-label", listener.DefaultTriggerLabel, "issue label that starts a run")

	cmd.AddCommand(newServeWebhookCommand(&triggerLabel))
	cmd.AddCommand(newServeQueueCommand(&triggerLabel))
	return cmd
}

func newServeWebhookCommand(triggerLabel *string) *cobra.Command {
	var durable bool

	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Receive GitHub webhooks (push ingestion)",
		Long: `Listen for GitHub webhooks on webhook.listen and verify their HMAC
signature with webhook.secret.

With --durable every verified event is written to the queue before the
webhook is acknowledged, and an in-process consumer drains the queue.
Without it events go straight to the dispatcher and are lost if the
process stops before they are handled.`,
		Example: `  COGWORKS_WEBHOOK_SECRET=... cogworks serve webhook
  cogworks serve webhook --durable`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *triggerLabel, func(ctx context.Context, a *app, g *errgroup.Group, d *listener.Dispatcher) error {
				var target listener.Submitter = d
				if durable {
					q, err := a.openQueue(ctx)
					if err != nil {
						return err
					}
					target = listener.QueueSubmitter{Queue: q}
					consumer := listener.NewQueueConsumer(a.consumerConfig(), q, d, a.tel)
					g.Go(func() error { return consumer.Run(ctx) })
				}

				srv, err := listener.NewWebhookServer(listener.WebhookConfig{
					Listen: a.cfg.Webhook.Listen,
					Secret: a.cfg.Webhook.Secret,
				}, target, a.tel)
				if err != nil {
					return err
				}
				g.Go(func() error { return srv.ListenAndServe(ctx) })
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&durable, "durable", false, "persist events to the queue before acknowledging")

	return cmd
}

func newServeQueueCommand(triggerLabel *string) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Consume events from the durable queue (pull ingestion)",
		Long: `Lease events from the queue selected by queue.backend and acknowledge
each one after it has been handled. Unacknowledged events are delivered
again after their lease expires and dead-lettered after
queue.max_deliveries attempts.`,
		Example: `  cogworks serve queue
  cogworks serve queue --owner worker-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *triggerLabel, func(ctx context.Context, a *app, g *errgroup.Group, d *listener.Dispatcher) error {
				q, err := a.openQueue(ctx)
				if err != nil {
					return err
				}
				cfg := a.consumerConfig()
				cfg.Owner = owner
				consumer := listener.NewQueueConsumer(cfg, q, d, a.tel)
				g.Go(func() error { return consumer.Run(ctx) })
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "lease owner id (default: random)")

	return cmd
}

type ingestFunc func(ctx context.Context, a *app, g *errgroup.Group, d *listener.Dispatcher) error

// serve wires the dispatcher to the executor, resumes suspended runs and
// runs the ingestion backends until ctx is cancelled.
func serve(ctx context.Context, triggerLabel string, ingest ingestFunc) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	resumed, err := a.executor.Resume(ctx)
	if err != nil {
		return err
	}

	handler := listener.NewSignalHandler(listener.Classifier{TriggerLabel: triggerLabel}, a.executor, a.tel)
	dispatcher := listener.NewDispatcher(handler, listener.WithDispatcherTelemetry(a.tel))

	g, gctx := errgroup.WithContext(ctx)
	if err := ingest(gctx, a, g, dispatcher); err != nil {
		return err
	}
	a.serveMetrics(gctx)

	a.logger.
		WithField("pipeline", string(a.graph.Name())).
		WithField("resumed", resumed).
		Info("CogWorks serving")

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if derr := dispatcher.Close(drainCtx); derr != nil {
		a.logger.WithError(derr).Warn("Dispatcher did not drain")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cogworks/cogworks/pkg/config"
	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/extension/client"
	"github.com/cogworks/cogworks/pkg/listener"
	"github.com/cogworks/cogworks/pkg/nodes"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/policy"
	"github.com/cogworks/cogworks/pkg/stores"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// app is the wired orchestrator. Commands build the parts they need and
// call close when done.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	services *client.Client
	policy   *policy.Engine
	registry *nodes.Registry
	loader   *config.PipelineLoader
	graph    *engine.Graph

	store    *stores.SQLiteStore
	executor *engine.Executor
	archive  *stores.RunArchive

	pg *sql.DB
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newTelemetry builds telemetry from cfg, honouring --verbose.
func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := cfg.Telemetry
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(&tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel, nil
}

// newApp wires everything up to the executor. Nothing is resumed or
// served yet.
func newApp(ctx context.Context) (a *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	a = &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("cli"),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if err := a.buildPipeline(ctx); err != nil {
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	a.executor, err = engine.NewExecutor(a.graph, a.registry, a.store, ec,
		engine.WithGuardEvaluator(config.NewGuardEvaluatorFromConfig(cfg.Guards)),
		engine.WithOutcomeChecker(a.policy),
		engine.WithTelemetry(tel),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Archive != nil {
		a.archive, err = stores.NewRunArchive(*cfg.Archive, tel)
		if err != nil {
			return nil, fmt.Errorf("failed to open run archive: %w", err)
		}
		a.archive.Subscribe(tel.Events, a.store)
	}
	return a, nil
}

// buildPipeline connects the services client, the constitution and the
// node registry, then loads the pipeline against the registry's schemas.
func (a *app) buildPipeline(ctx context.Context) error {
	cfg := a.cfg

	var err error
	a.services, err = newServiceClient(cfg, a.tel)
	if err != nil {
		return err
	}

	a.policy, err = policy.NewEngine(ctx, policy.WithTelemetry(a.tel))
	if err != nil {
		return err
	}
	if cfg.Policy.Dir != "" {
		if err := a.policy.LoadDir(ctx, cfg.Policy.Dir); err != nil {
			return err
		}
		if cfg.Policy.Watch {
			if err := a.policy.Watch(ctx, policy.NewLoader(cfg.Policy.Dir, a.tel.Logger)); err != nil {
				return err
			}
		}
	}

	pricing := nodes.Pricing{
		InputPerMTok:  cfg.LLM.Pricing.InputPerMTok,
		OutputPerMTok: cfg.LLM.Pricing.OutputPerMTok,
	}
	a.registry = nodes.NewRegistry()
	if err := a.registry.Register(nodes.ServiceCapabilityFor(a.services, pricing)); err != nil {
		return err
	}
	if cfg.LLM.Service != "" {
		gw, err := nodes.NewGateway(a.services, a.policy, nodes.GatewayConfig{
			Service:     pipeline.ServiceName(cfg.LLM.Service),
			Method:      cfg.LLM.Method,
			MaxAttempts: cfg.LLM.MaxAttempts,
			Backoff:     cfg.LLM.Backoff.Backoff(),
			Pricing:     pricing,
		}, nodes.WithGatewayTelemetry(a.tel))
		if err != nil {
			return err
		}
		if err := a.registry.Register(nodes.LLMCapabilityFor(gw)); err != nil {
			return err
		}
	}

	a.loader, err = config.NewPipelineLoader()
	if err != nil {
		return err
	}
	if err := a.registry.RegisterSchemas(a.loader.Schemas()); err != nil {
		return err
	}
	a.graph, err = a.loader.Load(cfg.Pipeline)
	return err
}

func newServiceClient(cfg *config.Config, tel *telemetry.Telemetry) (*client.Client, error) {
	if cfg.Services == "" {
		return client.New(client.DefaultConfig(), client.WithTelemetry(tel)), nil
	}
	reg, err := client.LoadRegistry(cfg.Services)
	if err != nil {
		return nil, err
	}
	return client.FromRegistry(reg, client.DefaultConfig(), client.WithTelemetry(tel))
}

func (a *app) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Database.Path})
	if err != nil {
		return err
	}
	a.store = store
	if err := store.Init(ctx); err != nil {
		return err
	}
	return store.Migrate(ctx)
}

// queue is the durable queue selected by queue.backend.
type queue interface {
	listener.Queue
	Depth(ctx context.Context) (stores.QueueDepth, error)
}

// openQueue opens the configured queue backend. The SQLite queue shares
// the run store's database.
func (a *app) openQueue(ctx context.Context) (queue, error) {
	qcfg := stores.QueueConfig{
		MaxDeliveries:  a.cfg.Queue.MaxDeliveries,
		DedupRetention: a.cfg.Queue.DedupRetention,
	}

	switch a.cfg.Queue.Backend {
	case "postgres":
		db, err := stores.OpenPostgres(ctx, stores.DefaultPostgresConfig(a.cfg.Database.URL))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres queue: %w", err)
		}
		a.pg = db
		q := stores.NewPostgresQueue(db, qcfg, a.tel)
		if err := q.Migrate(ctx); err != nil {
			return nil, err
		}
		return q, nil
	default:
		if a.store == nil {
			if err := a.openStore(ctx); err != nil {
				return nil, err
			}
		}
		return stores.NewSQLiteQueue(a.store.DB(), qcfg, a.tel), nil
	}
}

// consumerConfig maps the queue settings onto the consumer.
func (a *app) consumerConfig() listener.ConsumerConfig {
	return listener.ConsumerConfig{
		Batch:        a.cfg.Queue.Batch,
		Lease:        a.cfg.Queue.Lease,
		PollInterval: a.cfg.Queue.PollInterval,
		Backoff:      a.cfg.Retry.Backoff.Backoff(),
	}
}

// serveMetrics runs the metrics endpoint in the background when enabled.
func (a *app) serveMetrics(ctx context.Context) {
	go func() {
		if err := a.tel.ServeMetrics(ctx); err != nil {
			a.logger.WithError(err).Error("Metrics endpoint stopped")
		}
	}()
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.executor != nil {
		errs = append(errs, a.executor.Shutdown(ctx))
	}
	if a.services != nil {
		errs = append(errs, a.services.Close())
	}
	if a.pg != nil {
		errs = append(errs, a.pg.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.WithError(err).Warn("Shutdown incomplete")
	}
}

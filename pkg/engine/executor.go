package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cogworks/cogworks/pkg/cost"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// DefaultMaxParallel is the concurrency bound used when Config.MaxParallel
// is zero.
const DefaultMaxParallel = 4

// Config holds the executor's run policy. ApprovalTimeout, Budget and Retry
// are required.
type Config struct {
	// MaxParallel bounds concurrently executing task nodes per run.
	MaxParallel int

	// ApprovalTimeout is how long a human gate waits before the run halts.
	ApprovalTimeout time.Duration

	// Budget is the spend ceiling of each run.
	Budget pipeline.CostBudget

	// Retry decides re-attempts of failed nodes.
	Retry *cost.RetryEngine
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxParallel < 0 {
		return pipeline.NewConfigurationError(fmt.Sprintf("max parallel must not be negative, got %d", c.MaxParallel), nil)
	}
	if c.ApprovalTimeout <= 0 {
		return pipeline.NewConfigurationError("approval timeout is required", nil)
	}
	if !c.Budget.IsSet() {
		return pipeline.NewConfigurationError("per-run budget is required", nil)
	}
	if c.Retry == nil {
		return pipeline.NewConfigurationError("retry policy is required", nil)
	}
	return nil
}

// Option configures an Executor.
type Option func(*Executor)

// WithGuardEvaluator sets the evaluator for edge guards. Graphs with guards
// fail at the first guarded edge without one.
func WithGuardEvaluator(g GuardEvaluator) Option {
	return func(e *Executor) { e.guards = g }
}

// WithOutcomeChecker sets the check applied to every successful output.
func WithOutcomeChecker(oc OutcomeChecker) Option {
	return func(e *Executor) { e.checker = oc }
}

// WithTelemetry wires logging, tracing, metrics and the event bus.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Executor) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			e.logger = t.Logger.NewComponentLogger("engine")
		}
		e.tracer = t.Tracer
		e.metrics = t.Metrics
		if t.Events != nil {
			e.events = t.Events
		}
	}
}

// WithEventPublisher overrides the destination of run and node events.
func WithEventPublisher(p EventPublisher) Option {
	return func(e *Executor) { e.events = p }
}

// Executor drives runs of one pipeline graph. Each active run is owned by
// a single controller goroutine; the Executor only routes requests to it.
type Executor struct {
	graph   *Graph
	nodes   map[pipeline.NodeID]Node
	store   RunStore
	cfg     Config
	guards  GuardEvaluator
	checker OutcomeChecker
	events  EventPublisher
	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics

	mu     sync.Mutex
	runs   map[pipeline.WorkItemID]*controller
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor resolves every task node of graph and returns an executor.
func NewExecutor(graph *Graph, resolver NodeResolver, store RunStore, cfg Config, opts ...Option) (*Executor, error) {
	if graph == nil {
		return nil, pipeline.NewConfigurationError("graph is required", nil)
	}
	if store == nil {
		return nil, pipeline.NewConfigurationError("run store is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}

	e := &Executor{
		graph:  graph,
		nodes:  make(map[pipeline.NodeID]Node),
		store:  store,
		cfg:    cfg,
		logger: telemetry.Nop(),
		runs:   make(map[pipeline.WorkItemID]*controller),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, spec := range graph.Nodes() {
		if spec.Kind != NodeKindTask {
			continue
		}
		if resolver == nil {
			return nil, pipeline.NewConfigurationError("node resolver is required", nil)
		}
		n, err := resolver.Resolve(spec)
		if err != nil {
			if pe, ok := pipeline.AsError(err); ok {
				return nil, pe
			}
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("resolve node %s", spec.ID), err)
		}
		e.nodes[spec.ID] = n
	}

	return e, nil
}

// Graph returns the pipeline graph this executor runs.
func (e *Executor) Graph() *Graph { return e.graph }

// Start creates a run for workItem and begins dispatching it.
func (e *Executor) Start(ctx context.Context, workItem pipeline.WorkItemID, trigger []byte) (pipeline.RunID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return pipeline.RunID{}, ErrExecutorClosed
	}
	if _, ok := e.runs[workItem]; ok {
		return pipeline.RunID{}, ErrRunActive
	}

	wi, err := e.store.GetWorkItem(ctx, workItem)
	if err != nil {
		return pipeline.RunID{}, fmt.Errorf("load work item %s: %w", workItem, err)
	}
	if wi.Held {
		return pipeline.RunID{}, ErrWorkItemHeld
	}

	now := time.Now().UTC()
	snap := &RunSnapshot{
		ID:        pipeline.NewRunID(),
		WorkItem:  workItem,
		Pipeline:  e.graph.Name(),
		State:     RunStatePending,
		Budget:    e.cfg.Budget,
		Trigger:   append([]byte(nil), trigger...),
		Attempts:  make(map[pipeline.NodeID]int),
		Approvals: make(map[pipeline.NodeID]PendingApproval),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateRun(ctx, snap); err != nil {
		return pipeline.RunID{}, err
	}

	e.launch(newController(e, snap, false))
	return snap.ID, nil
}

// launch registers c and starts its goroutine. e.mu must be held.
func (e *Executor) launch(c *controller) {
	e.runs[c.snap.WorkItem] = c
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		c.run()
	}()
}

// release forgets c once its goroutine is finishing.
func (e *Executor) release(c *controller) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[c.snap.WorkItem] == c {
		delete(e.runs, c.snap.WorkItem)
	}
}

// Signal applies an external signal. Start signals create a run; approve
// and reject signals are routed to the work item's active run, adopting it
// from the store when another process suspended it.
func (e *Executor) Signal(ctx context.Context, sig Signal) error {
	if err := sig.Kind.Validate(); err != nil {
		return err
	}
	if sig.Kind == SignalStart {
		_, err := e.Start(ctx, sig.WorkItem, sig.Payload)
		return err
	}

	c, err := e.owner(ctx, sig.WorkItem)
	if err != nil {
		return err
	}
	return c.signal(ctx, sig)
}

// Approve approves the named human gate, or every pending gate when node
// is empty.
func (e *Executor) Approve(ctx context.Context, workItem pipeline.WorkItemID, node pipeline.NodeID, approver string) error {
	return e.Signal(ctx, Signal{Kind: SignalApprove, WorkItem: workItem, Node: node, Actor: approver})
}

// Reject halts the work item's run at its pending gate.
func (e *Executor) Reject(ctx context.Context, workItem pipeline.WorkItemID, reason string) error {
	return e.Signal(ctx, Signal{Kind: SignalReject, WorkItem: workItem, Reason: reason})
}

// owner returns the controller of workItem's active run, resuming it from
// the store if this executor does not own it yet.
func (e *Executor) owner(ctx context.Context, workItem pipeline.WorkItemID) (*controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrExecutorClosed
	}
	if c, ok := e.runs[workItem]; ok {
		return c, nil
	}

	snap, err := e.store.ActiveRun(ctx, workItem)
	if err != nil {
		return nil, err
	}
	if err := e.checkPipeline(snap); err != nil {
		return nil, err
	}
	c := newController(e, snap, true)
	e.launch(c)
	return c, nil
}

func (e *Executor) checkPipeline(snap *RunSnapshot) error {
	if snap.Pipeline != e.graph.Name() {
		return pipeline.NewConfigurationError(
			fmt.Sprintf("run %s belongs to pipeline %s, executor runs %s", snap.ID, snap.Pipeline, e.graph.Name()), nil)
	}
	return nil
}

// Resume adopts every non-terminal run in the store that this executor
// does not already own. Succeeded nodes are not executed again. It returns
// the number of runs resumed.
func (e *Executor) Resume(ctx context.Context) (int, error) {
	runs, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrExecutorClosed
	}

	resumed := 0
	for _, snap := range runs {
		if _, ok := e.runs[snap.WorkItem]; ok {
			continue
		}
		if err := e.checkPipeline(snap); err != nil {
			e.logger.WithRunID(snap.ID.String()).Warnf("Not resuming: %v", err)
			continue
		}
		e.launch(newController(e, snap, true))
		resumed++
	}

	if resumed > 0 {
		e.logger.Infof("Resumed %d runs", resumed)
	}
	return resumed, nil
}

func (e *Executor) controllerByRun(run pipeline.RunID) *controller {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.runs {
		if c.snap.ID == run {
			return c
		}
	}
	return nil
}

// Wait blocks until run reaches a terminal state. Runs this executor does
// not own are returned as persisted.
func (e *Executor) Wait(ctx context.Context, run pipeline.RunID) (*RunSnapshot, error) {
	if c := e.controllerByRun(run); c != nil {
		snap, err := c.watch(ctx, func(s *RunSnapshot, _ bool) bool { return s.State.IsTerminal() })
		if err != nil || snap.State.IsTerminal() {
			return snap, err
		}
	}
	return e.store.GetRun(ctx, run)
}

// WaitSettled blocks until run is terminal or nothing can progress without
// a human decision.
func (e *Executor) WaitSettled(ctx context.Context, run pipeline.RunID) (*RunSnapshot, error) {
	if c := e.controllerByRun(run); c != nil {
		snap, err := c.watch(ctx, func(s *RunSnapshot, settled bool) bool { return settled || s.State.IsTerminal() })
		if err != nil || snap.State.IsTerminal() || snap.State == RunStateAwaitingApproval {
			return snap, err
		}
	}
	return e.store.GetRun(ctx, run)
}

// Status returns the work item and its most recent run, if any.
func (e *Executor) Status(ctx context.Context, workItem pipeline.WorkItemID) (*WorkItem, *RunSnapshot, error) {
	wi, err := e.store.GetWorkItem(ctx, workItem)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	c, owned := e.runs[workItem]
	e.mu.Unlock()
	if owned {
		snap := c.snapshot()
		wi.State = snap.State
		return wi, snap, nil
	}

	if wi.CurrentRun == nil {
		return wi, nil, nil
	}
	snap, err := e.store.GetRun(ctx, *wi.CurrentRun)
	if err != nil {
		return wi, nil, err
	}
	return wi, snap, nil
}

// Release clears a content-safety hold so new runs may start.
func (e *Executor) Release(ctx context.Context, workItem pipeline.WorkItemID) error {
	wi, err := e.store.GetWorkItem(ctx, workItem)
	if err != nil {
		return err
	}
	if !wi.Held {
		return nil
	}
	if err := e.store.SetHeld(ctx, workItem, false, ""); err != nil {
		return fmt.Errorf("release work item %s: %w", workItem, err)
	}
	e.logger.WithWorkItem(workItem.String()).Info("Work item released")
	return nil
}

// ActiveRuns returns the number of runs this executor currently owns.
func (e *Executor) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Shutdown suspends every owned run. In-flight nodes are cancelled and
// will be dispatched again by a later Resume. Runs stay non-terminal.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	owned := make([]*controller, 0, len(e.runs))
	for _, c := range e.runs {
		owned = append(owned, c)
	}
	e.mu.Unlock()

	for _, c := range owned {
		c.stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("%d runs still stopping", e.ActiveRuns()), ctx.Err())
	}
}

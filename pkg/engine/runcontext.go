package engine

import (
	"context"
	"sync"

	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// ChargeFunc applies a cost to the owning run's account.
type ChargeFunc func(node pipeline.NodeID, amount pipeline.TokenCost) error

// RunContext is a node's handle on the run that dispatched it. A node never
// touches run state directly; charges are forwarded to the run's controller.
type RunContext struct {
	ctx      context.Context
	run      pipeline.RunID
	workItem pipeline.WorkItemID
	node     pipeline.NodeID
	attempt  int
	logger   *telemetry.Logger
	charge   ChargeFunc

	mu      sync.Mutex
	charged pipeline.TokenCost
}

// NewRunContext builds a RunContext outside an Executor, for invoking a
// node directly. A nil charge accepts every amount.
func NewRunContext(ctx context.Context, run pipeline.RunID, workItem pipeline.WorkItemID,
	node pipeline.NodeID, attempt int, charge ChargeFunc) *RunContext {
	return &RunContext{
		ctx:      ctx,
		run:      run,
		workItem: workItem,
		node:     node,
		attempt:  attempt,
		logger:   telemetry.Nop(),
		charge:   charge,
	}
}

// Context returns the context of this attempt. It is cancelled when the
// run stops or the node's timeout elapses.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// RunID returns the owning run.
func (rc *RunContext) RunID() pipeline.RunID { return rc.run }

// WorkItem returns the owning run's work item.
func (rc *RunContext) WorkItem() pipeline.WorkItemID { return rc.workItem }

// Node returns the node being executed.
func (rc *RunContext) Node() pipeline.NodeID { return rc.node }

// Attempt returns the 1-based attempt number.
func (rc *RunContext) Attempt() int { return rc.attempt }

// Logger returns a logger tagged with the run and node.
func (rc *RunContext) Logger() *telemetry.Logger { return rc.logger }

// Charge records amount against the run's budget and blocks until the
// controller has applied it. The amount always counts, even when a
// budget-class error is returned; the caller should stop work on error.
func (rc *RunContext) Charge(amount pipeline.TokenCost) error {
	if amount.IsZero() {
		return nil
	}
	rc.mu.Lock()
	rc.charged = rc.charged.Add(amount)
	rc.mu.Unlock()

	if rc.charge == nil {
		return nil
	}
	return rc.charge(rc.node, amount)
}

// Charged returns the total charged through this context.
func (rc *RunContext) Charged() pipeline.TokenCost {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.charged
}

// Checkpoint returns the cancellation cause once the attempt should stop.
// Nodes call it between units of work.
func (rc *RunContext) Checkpoint() error {
	if rc.ctx.Err() == nil {
		return nil
	}
	return context.Cause(rc.ctx)
}

package engine

import (
	"context"

	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// Node is the unit of work the executor dispatches for task nodes.
// Implementations report cost through rc.Charge and observe cancellation
// through rc.Checkpoint and rc.Context.
type Node interface {
	Execute(rc *RunContext, in NodeInput) (*NodeOutput, error)
}

// NodeFunc adapts a function to the Node interface.
type NodeFunc func(rc *RunContext, in NodeInput) (*NodeOutput, error)

// Execute calls f.
func (f NodeFunc) Execute(rc *RunContext, in NodeInput) (*NodeOutput, error) {
	return f(rc, in)
}

// NodeResolver binds task node specs to implementations.
type NodeResolver interface {
	// Resolve returns the implementation for spec. It returns a
	// configuration error when the capability is unknown.
	Resolve(spec NodeSpec) (Node, error)
}

// RunStore persists run snapshots, their outcome logs and work items.
type RunStore interface {
	// CreateRun records a new run. It returns ErrRunActive when the work
	// item already has an active run.
	CreateRun(ctx context.Context, run *RunSnapshot) error

	// SaveRun replaces the snapshot of an existing run. Outcomes are not
	// written by SaveRun; they are only ever appended.
	SaveRun(ctx context.Context, run *RunSnapshot) error

	// AppendOutcome adds one outcome to the run's log.
	AppendOutcome(ctx context.Context, run pipeline.RunID, outcome NodeOutcome) error

	// GetRun loads a snapshot with its full outcome log.
	GetRun(ctx context.Context, run pipeline.RunID) (*RunSnapshot, error)

	// ActiveRun returns the work item's non-terminal run, or ErrNoActiveRun.
	ActiveRun(ctx context.Context, workItem pipeline.WorkItemID) (*RunSnapshot, error)

	// ListActiveRuns returns every non-terminal run.
	ListActiveRuns(ctx context.Context) ([]*RunSnapshot, error)

	// GetWorkItem returns the work item. Unknown work items are returned
	// with only their ID set.
	GetWorkItem(ctx context.Context, workItem pipeline.WorkItemID) (*WorkItem, error)

	// SetHeld sets or clears the content-safety hold.
	SetHeld(ctx context.Context, workItem pipeline.WorkItemID, held bool, reason string) error
}

// GuardEvaluator evaluates edge guard expressions.
type GuardEvaluator interface {
	// EvaluateGuard returns the truth of expr. vars holds "output" (the
	// source node's decoded output), "trigger" (the decoded run trigger),
	// "source" and "target" (node ids).
	EvaluateGuard(ctx context.Context, expr string, vars map[string]interface{}) (bool, error)
}

// OutcomeChecker inspects a successful node output before it is accepted.
// A returned error turns the success into a failure.
type OutcomeChecker interface {
	CheckOutcome(ctx context.Context, run *RunSnapshot, node NodeSpec, out *NodeOutput) error
}

// EventPublisher receives run and node lifecycle events.
type EventPublisher interface {
	Publish(event telemetry.Event) error
}

package engine

import (
	"fmt"
)

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	// RunStatePending indicates the run is recorded but its controller has
	// not started dispatching.
	RunStatePending RunState = "pending"

	// RunStateRunning indicates nodes are being dispatched.
	RunStateRunning RunState = "running"

	// RunStateAwaitingApproval indicates at least one human gate is waiting
	// for a decision.
	RunStateAwaitingApproval RunState = "awaiting_approval"

	// RunStateCompleted indicates every node succeeded or was skipped.
	RunStateCompleted RunState = "completed"

	// RunStateHalted indicates a deliberate stop that needs human attention.
	RunStateHalted RunState = "halted"

	// RunStateFailed indicates the run stopped on a budget, configuration
	// or unrecoverable error.
	RunStateFailed RunState = "failed"
)

var runTransitions = map[RunState][]RunState{
	RunStatePending:          {RunStateRunning, RunStateHalted, RunStateFailed},
	RunStateRunning:          {RunStateAwaitingApproval, RunStateCompleted, RunStateHalted, RunStateFailed},
	RunStateAwaitingApproval: {RunStateRunning, RunStateHalted, RunStateFailed},
}

// IsTerminal returns true if the run state is final.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateHalted || s == RunStateFailed
}

// IsActive returns true if the run still counts against its work item's
// single active run.
func (s RunState) IsActive() bool {
	return s == RunStatePending || s == RunStateRunning || s == RunStateAwaitingApproval
}

// CanTransition reports whether moving from s to next is legal.
func (s RunState) CanTransition(next RunState) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStatePending, RunStateRunning, RunStateAwaitingApproval,
		RunStateCompleted, RunStateHalted, RunStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// NodeStatus is the recorded result of one node attempt.
type NodeStatus string

const (
	// NodeStatusSucceeded indicates the attempt produced an accepted output.
	NodeStatusSucceeded NodeStatus = "succeeded"

	// NodeStatusFailed indicates the attempt returned an error.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusSkipped indicates the node's inbound edges resolved without
	// satisfying its join.
	NodeStatusSkipped NodeStatus = "skipped"
)

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// NodeKind selects how the executor treats a node.
type NodeKind string

const (
	// NodeKindTask runs an injected Node implementation.
	NodeKindTask NodeKind = "task"

	// NodeKindHumanGate suspends the run until approval, rejection or timeout.
	NodeKindHumanGate NodeKind = "human_gate"
)

// Validate checks if the node kind is valid.
func (k NodeKind) Validate() error {
	switch k {
	case NodeKindTask, NodeKindHumanGate:
		return nil
	default:
		return fmt.Errorf("invalid node kind: %s", k)
	}
}

// JoinMode decides when a node with several inbound edges becomes eligible.
type JoinMode string

const (
	// JoinAll requires every inbound edge to be satisfied.
	JoinAll JoinMode = "all"

	// JoinAny requires every inbound edge to be resolved and at least one
	// to be satisfied.
	JoinAny JoinMode = "any"
)

// Validate checks if the join mode is valid.
func (j JoinMode) Validate() error {
	switch j {
	case JoinAll, JoinAny:
		return nil
	default:
		return fmt.Errorf("invalid join mode: %s", j)
	}
}

// SignalKind is the kind of an external signal delivered to the executor.
type SignalKind string

const (
	SignalStart   SignalKind = "start"
	SignalApprove SignalKind = "approve"
	SignalReject  SignalKind = "reject"
)

// Validate checks if the signal kind is valid.
func (k SignalKind) Validate() error {
	switch k {
	case SignalStart, SignalApprove, SignalReject:
		return nil
	default:
		return fmt.Errorf("invalid signal kind: %s", k)
	}
}

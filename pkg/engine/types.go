package engine

import (
	"encoding/json"
	"time"

	"github.com/cogworks/cogworks/pkg/pipeline"
)

// WorkItem is the orchestrator's view of an external work item.
type WorkItem struct {
	ID pipeline.WorkItemID `json:"id"`

	// CurrentRun is the most recent run for this work item, if any.
	CurrentRun *pipeline.RunID `json:"current_run,omitempty"`

	// State is the state of CurrentRun. Empty when there has been no run.
	State RunState `json:"state,omitempty"`

	// Accumulated is the total cost across every run of this work item.
	Accumulated pipeline.TokenCost `json:"accumulated"`

	// Held blocks new runs until the work item is released.
	Held       bool   `json:"held"`
	HeldReason string `json:"held_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// PendingApproval is a human gate waiting for a decision.
type PendingApproval struct {
	Node        pipeline.NodeID `json:"node"`
	RequestedAt time.Time       `json:"requested_at"`
	Deadline    time.Time       `json:"deadline"`
}

// NodeOutcome is one entry in a run's outcome log. Outcomes are immutable
// once appended.
type NodeOutcome struct {
	Node    pipeline.NodeID `json:"node"`
	Attempt int             `json:"attempt"`
	Status  NodeStatus      `json:"status"`

	// WillRetry is set on failed outcomes the executor scheduled another
	// attempt for.
	WillRetry bool `json:"will_retry,omitempty"`

	Artifacts   []pipeline.ArtifactPath `json:"artifacts,omitempty"`
	Diagnostics []pipeline.Diagnostic   `json:"diagnostics,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`

	// Cost is the amount charged during this attempt.
	Cost pipeline.TokenCost `json:"cost"`

	Error *pipeline.Error `json:"error,omitempty"`

	// Approver is set on human gate outcomes.
	Approver string `json:"approver,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunSnapshot is the durable state of a pipeline run. It is everything
// needed to rebuild the run's controller after a restart.
type RunSnapshot struct {
	ID       pipeline.RunID        `json:"id"`
	WorkItem pipeline.WorkItemID   `json:"work_item"`
	Pipeline pipeline.PipelineName `json:"pipeline"`
	State    RunState              `json:"state"`

	Budget      pipeline.CostBudget `json:"budget"`
	Accumulated pipeline.TokenCost  `json:"accumulated"`

	// Trigger is the payload of the event that started the run.
	Trigger json.RawMessage `json:"trigger,omitempty"`

	Outcomes []NodeOutcome     `json:"outcomes,omitempty"`
	InFlight []pipeline.NodeID `json:"in_flight,omitempty"`

	// Attempts counts dispatches per node, including the one in flight.
	Attempts map[pipeline.NodeID]int `json:"attempts,omitempty"`

	Approvals map[pipeline.NodeID]PendingApproval `json:"approvals,omitempty"`

	// Reason records why the run halted or failed, verbatim.
	Reason string          `json:"reason,omitempty"`
	Error  *pipeline.Error `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the controller.
func (r *RunSnapshot) Clone() *RunSnapshot {
	if r == nil {
		return nil
	}
	out := *r
	out.Trigger = append(json.RawMessage(nil), r.Trigger...)
	out.Outcomes = append([]NodeOutcome(nil), r.Outcomes...)
	out.InFlight = append([]pipeline.NodeID(nil), r.InFlight...)
	if r.Attempts != nil {
		out.Attempts = make(map[pipeline.NodeID]int, len(r.Attempts))
		for k, v := range r.Attempts {
			out.Attempts[k] = v
		}
	}
	if r.Approvals != nil {
		out.Approvals = make(map[pipeline.NodeID]PendingApproval, len(r.Approvals))
		for k, v := range r.Approvals {
			out.Approvals[k] = v
		}
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// LatestOutcome returns the last recorded outcome for node.
func (r *RunSnapshot) LatestOutcome(node pipeline.NodeID) (NodeOutcome, bool) {
	for i := len(r.Outcomes) - 1; i >= 0; i-- {
		if r.Outcomes[i].Node == node {
			return r.Outcomes[i], true
		}
	}
	return NodeOutcome{}, false
}

// Succeeded returns the nodes with a recorded success.
func (r *RunSnapshot) Succeeded() []pipeline.NodeID {
	var out []pipeline.NodeID
	for _, o := range r.Outcomes {
		if o.Status == NodeStatusSucceeded {
			out = append(out, o.Node)
		}
	}
	return out
}

// NodeInput is what a node receives when dispatched.
type NodeInput struct {
	Node    NodeSpec `json:"node"`
	Attempt int      `json:"attempt"`

	// Trigger is the payload of the event that started the run.
	Trigger json.RawMessage `json:"trigger,omitempty"`

	// Upstream holds the outputs of succeeded predecessors.
	Upstream map[pipeline.NodeID]json.RawMessage `json:"upstream,omitempty"`
}

// NodeOutput is what a node returns on success.
type NodeOutput struct {
	Artifacts   []pipeline.ArtifactPath `json:"artifacts,omitempty"`
	Diagnostics []pipeline.Diagnostic   `json:"diagnostics,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
}

// Signal is an external request delivered to the executor by the
// ingestion layer or the CLI.
type Signal struct {
	Kind     SignalKind          `json:"kind"`
	WorkItem pipeline.WorkItemID `json:"work_item"`

	// Node targets a specific human gate on approval. Empty approves every
	// pending gate.
	Node pipeline.NodeID `json:"node,omitempty"`

	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Payload is the raw event, used as the trigger on start.
	Payload json.RawMessage `json:"payload,omitempty"`
}

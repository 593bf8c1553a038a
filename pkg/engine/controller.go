package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cogworks/cogworks/pkg/cost"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

const storeTimeout = 10 * time.Second

// phase is the controller's in-memory view of a node.
type phase int

const (
	phaseIdle phase = iota
	phaseReady
	phaseRetryWait
	phaseInFlight
	phaseAwaiting
	phaseSucceeded
	phaseSkipped
	phaseFailed
)

// Messages accepted by a controller's inbox.
type (
	nodeResult struct {
		node     pipeline.NodeID
		attempt  int
		out      *NodeOutput
		err      error
		cost     pipeline.TokenCost
		started  time.Time
		finished time.Time
		timedOut bool
	}

	chargeRequest struct {
		node   pipeline.NodeID
		amount pipeline.TokenCost
		reply  chan error
	}

	signalRequest struct {
		sig   Signal
		reply chan error
	}

	retryTimer struct {
		node pipeline.NodeID
	}

	approvalTimer struct {
		node pipeline.NodeID
	}

	stopRequest struct{}
)

type attemptState struct {
	attempt int
	started time.Time
	cancel  context.CancelFunc
}

type terminalState struct {
	state RunState
	err   *pipeline.Error
}

// controller is the single owner of one run. Only its goroutine reads or
// writes snap, account, phases and timers.
type controller struct {
	exec    *Executor
	graph   *Graph
	snap    *RunSnapshot
	account *cost.Account
	log     *telemetry.Logger
	resumed bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	span   trace.Span

	inbox chan interface{}
	done  chan struct{}

	phases     map[pipeline.NodeID]phase
	inflight   map[pipeline.NodeID]*attemptState
	redispatch map[pipeline.NodeID]bool
	timers     map[pipeline.NodeID]*time.Timer

	terminal       *terminalState
	stopping       bool
	budgetReported bool
	// tripNode is the node whose charge crossed the budget. It keeps its own
	// failure instead of being reported as cancelled.
	tripNode       pipeline.NodeID
	startedAt      time.Time

	view runView
}

// runView is the copy of the snapshot readers outside the controller see.
type runView struct {
	mu      sync.Mutex
	snap    *RunSnapshot
	settled bool
	changed chan struct{}
}

func newController(e *Executor, snap *RunSnapshot, resumed bool) *controller {
	c := &controller{
		exec:       e,
		graph:      e.graph,
		snap:       snap,
		account:    cost.NewAccount(snap.Budget, snap.Accumulated),
		resumed:    resumed,
		inbox:      make(chan interface{}, 64),
		done:       make(chan struct{}),
		phases:     make(map[pipeline.NodeID]phase),
		inflight:   make(map[pipeline.NodeID]*attemptState),
		redispatch: make(map[pipeline.NodeID]bool),
		timers:     make(map[pipeline.NodeID]*time.Timer),
	}
	if c.snap.Attempts == nil {
		c.snap.Attempts = make(map[pipeline.NodeID]int)
	}
	if c.snap.Approvals == nil {
		c.snap.Approvals = make(map[pipeline.NodeID]PendingApproval)
	}
	c.log = e.logger.WithRunID(snap.ID.String()).WithWorkItem(snap.WorkItem.String())
	c.view.snap = snap.Clone()
	c.view.changed = make(chan struct{})
	return c
}

// post delivers m unless the controller has exited.
func (c *controller) post(m interface{}) bool {
	select {
	case c.inbox <- m:
		return true
	case <-c.done:
		return false
	}
}

func (c *controller) chargeFunc(node pipeline.NodeID, amount pipeline.TokenCost) error {
	reply := make(chan error, 1)
	if !c.post(chargeRequest{node: node, amount: amount, reply: reply}) {
		return ErrRunFinished
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrRunFinished
	}
}

// signal forwards sig to the controller and waits for its verdict.
func (c *controller) signal(ctx context.Context, sig Signal) error {
	reply := make(chan error, 1)
	if !c.post(signalRequest{sig: sig, reply: reply}) {
		return ErrRunFinished
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrRunFinished
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *controller) stop() {
	c.post(stopRequest{})
}

func (c *controller) run() {
	defer close(c.done)

	spanCtx, span := c.exec.tracer.StartRunSpan(context.Background(),
		c.snap.ID.String(), c.snap.WorkItem.String(), string(c.snap.Pipeline))
	c.span = span
	c.ctx, c.cancel = context.WithCancelCause(spanCtx)
	c.startedAt = time.Now()

	c.begin()
	for !c.exiting() {
		c.publishView()
		c.handle(<-c.inbox)
	}
	c.finalize()
}

func (c *controller) exiting() bool {
	return (c.terminal != nil || c.stopping) && len(c.inflight) == 0
}

// begin rebuilds node phases from the snapshot and starts dispatching.
func (c *controller) begin() {
	c.exec.metrics.RecordRunStarted(string(c.snap.Pipeline))

	var pendingFailure *pipeline.Error
	for _, o := range c.snap.Outcomes {
		switch o.Status {
		case NodeStatusSucceeded:
			c.phases[o.Node] = phaseSucceeded
		case NodeStatusSkipped:
			c.phases[o.Node] = phaseSkipped
		case NodeStatusFailed:
			if o.WillRetry {
				c.phases[o.Node] = phaseReady
			} else {
				c.phases[o.Node] = phaseFailed
				if o.Error != nil {
					pendingFailure = o.Error
				} else {
					pendingFailure = pipeline.Classify(fmt.Errorf("node %s failed", o.Node))
				}
			}
		}
	}
	for _, id := range c.snap.InFlight {
		c.phases[id] = phaseReady
		c.redispatch[id] = true
	}
	c.snap.InFlight = nil

	if c.resumed {
		c.log.Infof("Resuming run in state %s", c.snap.State)
		c.emit(telemetry.EventTypeRunResumed, telemetry.EventLevelInfo, "", "run resumed", nil)
	} else {
		c.log.Infof("Starting run of pipeline %s", c.snap.Pipeline)
		c.emit(telemetry.EventTypeRunStarted, telemetry.EventLevelInfo, "", "run started", nil)
	}

	if c.snap.State == RunStatePending {
		c.transition(RunStateRunning)
	}

	if pendingFailure != nil {
		c.terminate(pendingFailure)
		return
	}
	if err := c.account.ExceededError(); err != nil {
		c.budgetReported = true
		c.terminate(err)
		return
	}

	now := time.Now()
	for id, pa := range c.snap.Approvals {
		c.phases[id] = phaseAwaiting
		if !pa.Deadline.After(now) {
			c.expireApproval(id)
			return
		}
		c.armApprovalTimer(id, pa.Deadline.Sub(now))
	}

	c.persist()
	c.advance()
}

func (c *controller) handle(msg interface{}) {
	switch m := msg.(type) {
	case nodeResult:
		c.handleResult(m)
	case chargeRequest:
		m.reply <- c.handleCharge(m)
	case signalRequest:
		m.reply <- c.handleSignal(m.sig)
	case retryTimer:
		delete(c.timers, m.node)
		if c.phases[m.node] == phaseRetryWait && c.terminal == nil && !c.stopping {
			c.phases[m.node] = phaseReady
			c.advance()
		}
	case approvalTimer:
		delete(c.timers, m.node)
		if _, pending := c.snap.Approvals[m.node]; pending && c.terminal == nil && !c.stopping {
			c.expireApproval(m.node)
		}
	case stopRequest:
		c.suspend(errShutdown)
	}
}

// advance resolves skips, dispatches eligible nodes and detects completion.
func (c *controller) advance() {
	if c.terminal != nil || c.stopping {
		return
	}

	for progress := true; progress; {
		progress = false
		for _, id := range c.graph.order {
			if c.phases[id] != phaseIdle {
				continue
			}
			resolved, eligible, err := c.evaluateInbound(id)
			if err != nil {
				c.terminate(err)
				return
			}
			if !resolved {
				continue
			}
			if eligible {
				c.phases[id] = phaseReady
				continue
			}
			if !c.skip(id) {
				return
			}
			progress = true
		}
	}

	for _, id := range c.graph.order {
		if c.terminal != nil || c.stopping {
			return
		}
		if c.phases[id] != phaseReady {
			continue
		}
		spec := c.graph.nodes[id]
		if spec.Kind == NodeKindHumanGate {
			c.openGate(id)
			continue
		}
		if len(c.inflight) >= c.exec.cfg.MaxParallel {
			continue
		}
		if err := c.account.ExceededError(); err != nil {
			c.terminate(err)
			return
		}
		c.dispatch(spec)
	}

	c.refreshState()
	if c.terminal == nil && !c.stopping && c.complete() {
		c.terminal = &terminalState{state: RunStateCompleted}
	}
}

// evaluateInbound reports whether every inbound edge of id is resolved and,
// if so, whether the node's join is satisfied.
func (c *controller) evaluateInbound(id pipeline.NodeID) (resolved, eligible bool, err error) {
	edges := c.graph.inbound[id]
	if len(edges) == 0 {
		return true, true, nil
	}

	satisfied := 0
	for _, e := range edges {
		switch c.phases[e.From] {
		case phaseSucceeded:
			ok, gerr := c.guard(e)
			if gerr != nil {
				return false, false, gerr
			}
			if ok {
				satisfied++
			}
		case phaseSkipped, phaseFailed:
		default:
			return false, false, nil
		}
	}

	if c.graph.nodes[id].Join == JoinAny {
		return true, satisfied > 0, nil
	}
	return true, satisfied == len(edges), nil
}

func (c *controller) guard(e EdgeSpec) (bool, error) {
	if e.Guard == "" {
		return true, nil
	}
	if c.exec.guards == nil {
		return false, pipeline.NewConfigurationError(
			fmt.Sprintf("edge %s has a guard but no guard evaluator is configured", e.ID), nil)
	}

	vars := map[string]interface{}{
		"source":  string(e.From),
		"target":  string(e.To),
		"output":  nil,
		"trigger": decodeJSON(c.snap.Trigger),
	}
	if o, ok := c.snap.LatestOutcome(e.From); ok {
		vars["output"] = decodeJSON(o.Output)
	}

	ok, err := c.exec.guards.EvaluateGuard(c.ctx, e.Guard, vars)
	if err != nil {
		if pe, classified := pipeline.AsError(err); classified {
			return false, pe
		}
		return false, pipeline.NewConfigurationError(fmt.Sprintf("guard on edge %s", e.ID), err)
	}
	return ok, nil
}

func decodeJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// skip records a skipped outcome. It returns false if the outcome could
// not be persisted and the run was suspended.
func (c *controller) skip(id pipeline.NodeID) bool {
	now := time.Now().UTC()
	c.phases[id] = phaseSkipped
	if !c.record(NodeOutcome{
		Node:       id,
		Status:     NodeStatusSkipped,
		StartedAt:  now,
		FinishedAt: now,
	}) {
		return false
	}
	c.log.WithNode(string(id)).Debug("Node skipped")
	c.exec.metrics.RecordNodeExecution(string(id), string(NodeStatusSkipped), 0)
	c.emit(telemetry.EventTypeNodeSkipped, telemetry.EventLevelInfo, id, "node skipped", nil)
	return true
}

func (c *controller) complete() bool {
	if len(c.inflight) > 0 || len(c.snap.Approvals) > 0 {
		return false
	}
	for _, id := range c.graph.order {
		if p := c.phases[id]; p != phaseSucceeded && p != phaseSkipped {
			return false
		}
	}
	return true
}

func (c *controller) dispatch(spec NodeSpec) {
	id := spec.ID
	attempt := c.snap.Attempts[id]
	if c.redispatch[id] && attempt > 0 {
		delete(c.redispatch, id)
	} else {
		delete(c.redispatch, id)
		attempt++
		c.snap.Attempts[id] = attempt
	}

	c.phases[id] = phaseInFlight
	c.snap.InFlight = append(c.snap.InFlight, id)
	c.persist()

	var (
		nctx   context.Context
		cancel context.CancelFunc
	)
	if spec.Timeout > 0 {
		nctx, cancel = context.WithTimeout(c.ctx, spec.Timeout)
	} else {
		nctx, cancel = context.WithCancel(c.ctx)
	}

	rc := NewRunContext(nctx, c.snap.ID, c.snap.WorkItem, id, attempt, c.chargeFunc)
	rc.logger = c.log.WithNode(string(id))

	st := &attemptState{attempt: attempt, started: time.Now().UTC(), cancel: cancel}
	c.inflight[id] = st

	in := NodeInput{
		Node:     spec,
		Attempt:  attempt,
		Trigger:  c.snap.Trigger,
		Upstream: c.upstream(id),
	}

	rc.logger.Debugf("Dispatching attempt %d", attempt)
	c.emit(telemetry.EventTypeNodeStarted, telemetry.EventLevelInfo, id, "node started",
		map[string]interface{}{"attempt": attempt})

	go c.execute(c.exec.nodes[id], rc, in, st)
}

func (c *controller) upstream(id pipeline.NodeID) map[pipeline.NodeID]json.RawMessage {
	preds := c.graph.inbound[id]
	if len(preds) == 0 {
		return nil
	}
	out := make(map[pipeline.NodeID]json.RawMessage, len(preds))
	for _, e := range preds {
		if c.phases[e.From] != phaseSucceeded {
			continue
		}
		if o, ok := c.snap.LatestOutcome(e.From); ok {
			out[e.From] = o.Output
		}
	}
	return out
}

// execute runs on its own goroutine and reports back through the inbox.
func (c *controller) execute(node Node, rc *RunContext, in NodeInput, st *attemptState) {
	defer st.cancel()

	spanCtx, span := c.exec.tracer.StartNodeSpan(rc.ctx, c.snap.ID.String(), string(in.Node.ID), in.Attempt)
	defer span.End()
	rc.ctx = spanCtx

	out, err := invoke(node, rc, in)
	res := nodeResult{
		node:     in.Node.ID,
		attempt:  in.Attempt,
		out:      out,
		err:      err,
		cost:     rc.Charged(),
		started:  st.started,
		finished: time.Now().UTC(),
	}
	if err != nil {
		res.timedOut = errors.Is(rc.ctx.Err(), context.DeadlineExceeded) && c.ctx.Err() == nil
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	c.post(res)
}

func invoke(node Node, rc *RunContext, in NodeInput) (out *NodeOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = pipeline.Classify(fmt.Errorf("node %s panicked: %v", in.Node.ID, r))
		}
	}()
	out, err = node.Execute(rc, in)
	if err == nil && out == nil {
		out = &NodeOutput{}
	}
	return out, err
}

func (c *controller) handleResult(r nodeResult) {
	if _, ok := c.inflight[r.node]; !ok {
		return
	}
	delete(c.inflight, r.node)

	if c.stopping {
		// Left in InFlight so the node runs again on resume.
		return
	}
	c.snap.InFlight = removeNode(c.snap.InFlight, r.node)

	spec := c.graph.nodes[r.node]
	outcome := NodeOutcome{
		Node:       r.node,
		Attempt:    r.attempt,
		Cost:       r.cost,
		StartedAt:  r.started,
		FinishedAt: r.finished,
	}

	err := r.err
	if err == nil && c.terminal == nil && c.exec.checker != nil {
		err = c.exec.checker.CheckOutcome(c.ctx, c.snap.Clone(), spec, r.out)
	}

	var decision cost.Decision
	if err == nil {
		outcome.Status = NodeStatusSucceeded
		outcome.Artifacts = r.out.Artifacts
		outcome.Diagnostics = r.out.Diagnostics
		outcome.Output = r.out.Output
		c.phases[r.node] = phaseSucceeded
	} else {
		perr := c.classifyFailure(r, err).WithNode(r.node)
		outcome.Status = NodeStatusFailed
		if c.terminal == nil {
			decision = c.exec.cfg.Retry.Decide(perr, r.attempt)
			if decision.Exhausted {
				perr = cost.Escalate(perr, r.attempt)
			}
		}
		outcome.Error = perr
		outcome.WillRetry = decision.Retry
		if decision.Retry {
			c.phases[r.node] = phaseRetryWait
		} else {
			c.phases[r.node] = phaseFailed
		}
	}

	if !c.record(outcome) {
		return
	}

	nlog := c.log.WithNode(string(r.node))
	c.exec.metrics.RecordNodeExecution(string(r.node), string(outcome.Status), r.finished.Sub(r.started))

	if outcome.Status == NodeStatusSucceeded {
		nlog.Infof("Node succeeded on attempt %d", r.attempt)
		c.emit(telemetry.EventTypeNodeSucceeded, telemetry.EventLevelInfo, r.node, "node succeeded",
			map[string]interface{}{"attempt": r.attempt, "cost": r.cost.Float64()})
		c.advance()
		return
	}

	perr := outcome.Error
	c.exec.metrics.RecordError(string(perr.Kind), perr.Code)
	if c.terminal != nil {
		nlog.Debugf("Node stopped: %v", perr)
		return
	}

	if decision.Retry {
		nlog.Warnf("Node failed on attempt %d, retrying in %s: %v", r.attempt, decision.Delay, perr)
		c.exec.metrics.RecordNodeRetry(string(r.node))
		c.emit(telemetry.EventTypeNodeRetrying, telemetry.EventLevelWarning, r.node, perr.Error(),
			map[string]interface{}{"attempt": r.attempt, "delay_ms": decision.Delay.Milliseconds()})
		c.armRetryTimer(r.node, decision.Delay)
		c.advance()
		return
	}

	nlog.Errorf("Node failed on attempt %d: %v", r.attempt, perr)
	c.emit(telemetry.EventTypeNodeFailed, telemetry.EventLevelError, r.node, perr.Error(),
		map[string]interface{}{"attempt": r.attempt, "code": perr.Code})
	if perr.Code == pipeline.CodeProtectedPathViolation || perr.Code == pipeline.CodeScopeViolation {
		c.emit(telemetry.EventTypePolicyViolation, telemetry.EventLevelError, r.node, perr.Error(), nil)
	}
	c.terminate(perr)
}

// classifyFailure maps a node error to the taxonomy.
func (c *controller) classifyFailure(r nodeResult, err error) *pipeline.Error {
	// Siblings stopped by terminate report the run's cause, not their own.
	if cause := context.Cause(c.ctx); cause != nil && r.node != c.tripNode &&
		(errors.Is(err, context.Canceled) || errors.Is(err, cause)) {
		if pe, ok := pipeline.AsError(cause); ok {
			return &pipeline.Error{
				Kind:    pe.Kind,
				Code:    pipeline.CodeCancelled,
				Message: fmt.Sprintf("node %s cancelled", r.node),
				Policy:  pipeline.NonRetryable(),
				Err:     err,
			}
		}
	}
	if pe, ok := pipeline.AsError(err); ok {
		return pe
	}
	if r.timedOut {
		return pipeline.NewTimeoutError(
			fmt.Sprintf("node %s timed out after %s", r.node, c.graph.nodes[r.node].Timeout), err)
	}
	if c.exec.cfg.Retry.Classify(err).Retryable {
		return pipeline.NewTransientError(fmt.Sprintf("node %s failed", r.node), err)
	}
	return pipeline.Classify(err)
}

func (c *controller) handleCharge(m chargeRequest) error {
	wasExceeded := c.account.WouldExceed()
	total, err := c.account.Charge(m.amount)
	c.snap.Accumulated = total
	c.exec.metrics.RecordCost(m.amount.Float64())

	if err != nil && !wasExceeded && !c.budgetReported {
		c.budgetReported = true
		c.log.Warnf("Budget exceeded by charge from %s: %v", m.node, err)
		c.exec.metrics.RecordBudgetExceeded()
		c.emit(telemetry.EventTypeBudgetExceeded, telemetry.EventLevelError, m.node, err.Error(),
			map[string]interface{}{"accumulated": total.Float64(), "limit": c.snap.Budget.Float64()})
		c.tripNode = m.node
		c.terminate(err)
		return err
	}
	c.persist()
	return err
}

func (c *controller) handleSignal(sig Signal) error {
	if c.terminal != nil {
		return ErrRunFinished
	}
	if c.stopping {
		return ErrExecutorClosed
	}

	switch sig.Kind {
	case SignalStart:
		return ErrRunActive
	case SignalApprove:
		return c.approve(sig)
	case SignalReject:
		return c.reject(sig)
	default:
		return fmt.Errorf("unsupported signal kind: %s", sig.Kind)
	}
}

func (c *controller) approve(sig Signal) error {
	targets := c.pendingGates(sig.Node)
	if len(targets) == 0 {
		return ErrNoPendingApproval
	}

	for _, id := range targets {
		pa := c.snap.Approvals[id]
		c.stopTimer(id)
		delete(c.snap.Approvals, id)
		c.phases[id] = phaseSucceeded

		output, _ := json.Marshal(map[string]interface{}{"approved": true, "approver": sig.Actor})
		if !c.record(NodeOutcome{
			Node:       id,
			Attempt:    c.snap.Attempts[id],
			Status:     NodeStatusSucceeded,
			Output:     output,
			Approver:   sig.Actor,
			StartedAt:  pa.RequestedAt,
			FinishedAt: time.Now().UTC(),
		}) {
			return nil
		}
		c.log.WithNode(string(id)).Infof("Approved by %s", sig.Actor)
		c.exec.metrics.RecordNodeExecution(string(id), string(NodeStatusSucceeded), time.Since(pa.RequestedAt))
		c.emit(telemetry.EventTypeNodeSucceeded, telemetry.EventLevelInfo, id, "approval granted",
			map[string]interface{}{"approver": sig.Actor})
	}

	c.advance()
	return nil
}

func (c *controller) reject(sig Signal) error {
	targets := c.pendingGates(sig.Node)
	if len(targets) == 0 {
		return ErrNoPendingApproval
	}

	reason := sig.Reason
	if reason == "" {
		reason = "no reason given"
	}
	perr := pipeline.NewPipelineHalt("approval rejected: " + reason).
		WithCode(pipeline.CodeApprovalRejected).
		WithNode(targets[0]).
		WithDetail("actor", sig.Actor)

	for _, id := range targets {
		if !c.failGate(id, perr) {
			return nil
		}
	}
	c.terminate(perr)
	return nil
}

func (c *controller) expireApproval(id pipeline.NodeID) {
	perr := pipeline.NewPipelineHalt("approval timed out").
		WithCode(pipeline.CodeApprovalTimeout).
		WithNode(id)
	if c.failGate(id, perr) {
		c.terminate(perr)
	}
}

func (c *controller) failGate(id pipeline.NodeID, perr *pipeline.Error) bool {
	pa := c.snap.Approvals[id]
	c.stopTimer(id)
	delete(c.snap.Approvals, id)
	c.phases[id] = phaseFailed
	ok := c.record(NodeOutcome{
		Node:       id,
		Attempt:    c.snap.Attempts[id],
		Status:     NodeStatusFailed,
		Error:      perr,
		StartedAt:  pa.RequestedAt,
		FinishedAt: time.Now().UTC(),
	})
	if ok {
		c.exec.metrics.RecordNodeExecution(string(id), string(NodeStatusFailed), time.Since(pa.RequestedAt))
		c.emit(telemetry.EventTypeNodeFailed, telemetry.EventLevelWarning, id, perr.Error(), nil)
	}
	return ok
}

// pendingGates returns node if it is awaiting approval, or every pending
// gate in graph order when node is empty.
func (c *controller) pendingGates(node pipeline.NodeID) []pipeline.NodeID {
	if node != "" {
		if _, ok := c.snap.Approvals[node]; ok {
			return []pipeline.NodeID{node}
		}
		return nil
	}
	var out []pipeline.NodeID
	for _, id := range c.graph.order {
		if _, ok := c.snap.Approvals[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (c *controller) openGate(id pipeline.NodeID) {
	now := time.Now().UTC()
	timeout := c.exec.cfg.ApprovalTimeout
	c.phases[id] = phaseAwaiting
	c.snap.Attempts[id]++
	c.snap.Approvals[id] = PendingApproval{
		Node:        id,
		RequestedAt: now,
		Deadline:    now.Add(timeout),
	}
	c.armApprovalTimer(id, timeout)
	c.persist()

	c.log.WithNode(string(id)).Infof("Awaiting approval until %s", now.Add(timeout).Format(time.RFC3339))
	c.emit(telemetry.EventTypeRunAwaitingApproval, telemetry.EventLevelInfo, id, "awaiting approval",
		map[string]interface{}{"deadline": now.Add(timeout)})
}

// refreshState keeps Running and AwaitingApproval in step with the set of
// pending gates.
func (c *controller) refreshState() {
	switch {
	case len(c.snap.Approvals) > 0 && c.snap.State == RunStateRunning:
		c.transition(RunStateAwaitingApproval)
	case len(c.snap.Approvals) == 0 && c.snap.State == RunStateAwaitingApproval:
		c.transition(RunStateRunning)
	default:
		return
	}
	c.persist()
}

func (c *controller) transition(next RunState) {
	if !c.snap.State.CanTransition(next) {
		c.log.Errorf("Illegal run transition %s -> %s ignored", c.snap.State, next)
		return
	}
	c.log.Debugf("Run %s -> %s", c.snap.State, next)
	c.snap.State = next
	c.snap.UpdatedAt = time.Now().UTC()
}

// terminate decides the run's terminal state and cancels in-flight nodes.
// The state is applied once they have drained.
func (c *controller) terminate(err error) {
	if c.terminal != nil {
		return
	}
	perr := pipeline.Classify(err)

	state := RunStateFailed
	if perr.Kind == pipeline.KindHalt || perr.Kind == pipeline.KindContentSafety {
		state = RunStateHalted
	}
	c.terminal = &terminalState{state: state, err: perr}
	c.snap.Reason = perr.Error()
	c.snap.Error = perr

	for id := range c.snap.Approvals {
		c.phases[id] = phaseFailed
	}
	c.snap.Approvals = make(map[pipeline.NodeID]PendingApproval)
	c.stopTimers()
	c.cancel(perr)

	if perr.Kind == pipeline.KindContentSafety {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := c.exec.store.SetHeld(ctx, c.snap.WorkItem, true, perr.Error()); err != nil {
			c.log.WithError(err).Error("Failed to hold work item")
		}
		cancel()
		c.emit(telemetry.EventTypeWorkItemHeld, telemetry.EventLevelError, perr.Node, perr.Error(), nil)
	}

	c.log.Warnf("Run stopping as %s: %s", state, perr.Error())
}

// suspend releases the run without finishing it. In-flight nodes are
// cancelled and their outcomes discarded, so a later Resume re-dispatches
// them.
func (c *controller) suspend(cause error) {
	if c.stopping || c.terminal != nil {
		return
	}
	c.stopping = true
	c.stopTimers()
	c.cancel(cause)
	c.log.Infof("Suspending run: %v", cause)
}

func (c *controller) finalize() {
	defer c.span.End()

	// Released before the final view is published, so a waiter that wakes
	// on it can start the next run for the work item.
	if c.terminal == nil {
		c.persist()
		c.exec.metrics.RecordRunReleased()
		c.span.SetAttributes(telemetry.AttrRunState.String(string(c.snap.State)))
		c.exec.release(c)
		c.publishView()
		return
	}

	c.transition(c.terminal.state)
	now := time.Now().UTC()
	c.snap.FinishedAt = &now
	c.persist()

	c.span.SetAttributes(telemetry.AttrRunState.String(string(c.snap.State)))
	c.exec.metrics.RecordRunFinished(string(c.snap.State), time.Since(c.startedAt))

	switch c.snap.State {
	case RunStateCompleted:
		c.log.Infof("Run completed, cost %s", c.snap.Accumulated)
		telemetry.RecordSuccess(c.span)
		c.emit(telemetry.EventTypeRunCompleted, telemetry.EventLevelInfo, "", "run completed",
			map[string]interface{}{"accumulated": c.snap.Accumulated.Float64()})
	case RunStateHalted:
		c.log.Warnf("Run halted: %s", c.snap.Reason)
		telemetry.RecordError(c.span, c.terminal.err)
		c.emit(telemetry.EventTypeRunHalted, telemetry.EventLevelWarning, "", c.snap.Reason,
			map[string]interface{}{"code": c.terminal.err.Code})
	default:
		c.log.Errorf("Run failed: %s", c.snap.Reason)
		telemetry.RecordError(c.span, c.terminal.err)
		c.emit(telemetry.EventTypeRunFailed, telemetry.EventLevelError, "", c.snap.Reason,
			map[string]interface{}{"code": c.terminal.err.Code})
	}
	c.exec.release(c)
	c.publishView()
}

// record appends an outcome to the log, persisting it first. A persistence
// failure suspends the run so the outcome is never acted on.
func (c *controller) record(o NodeOutcome) bool {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := c.exec.store.AppendOutcome(ctx, c.snap.ID, o); err != nil {
		c.log.WithError(err).Errorf("Failed to persist outcome of %s", o.Node)
		c.exec.metrics.RecordError("store", "APPEND_OUTCOME")
		c.suspend(fmt.Errorf("persist outcome: %w", err))
		return false
	}
	c.snap.Outcomes = append(c.snap.Outcomes, o)
	c.persist()
	return true
}

func (c *controller) persist() {
	c.snap.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.exec.store.SaveRun(ctx, c.snap); err != nil {
		c.log.WithError(err).Error("Failed to save run snapshot")
		c.exec.metrics.RecordError("store", "SAVE_RUN")
	}
}

func (c *controller) publishView() {
	settled := c.terminal != nil && len(c.inflight) == 0
	if !settled && c.terminal == nil && !c.stopping {
		settled = len(c.inflight) == 0 && len(c.snap.Approvals) > 0 && !c.hasRunnable()
	}

	c.view.mu.Lock()
	c.view.snap = c.snap.Clone()
	c.view.settled = settled
	close(c.view.changed)
	c.view.changed = make(chan struct{})
	c.view.mu.Unlock()
}

func (c *controller) hasRunnable() bool {
	for _, p := range c.phases {
		if p == phaseReady || p == phaseRetryWait || p == phaseInFlight {
			return true
		}
	}
	return false
}

// watch blocks until cond holds for the current view or ctx is done.
func (c *controller) watch(ctx context.Context, cond func(snap *RunSnapshot, settled bool) bool) (*RunSnapshot, error) {
	for {
		c.view.mu.Lock()
		snap, settled, changed := c.view.snap, c.view.settled, c.view.changed
		c.view.mu.Unlock()

		if cond(snap, settled) {
			return snap.Clone(), nil
		}
		select {
		case <-changed:
		case <-c.done:
			c.view.mu.Lock()
			snap = c.view.snap
			c.view.mu.Unlock()
			return snap.Clone(), nil
		case <-ctx.Done():
			return snap.Clone(), ctx.Err()
		}
	}
}

func (c *controller) snapshot() *RunSnapshot {
	c.view.mu.Lock()
	defer c.view.mu.Unlock()
	return c.view.snap.Clone()
}

func (c *controller) armRetryTimer(id pipeline.NodeID, d time.Duration) {
	c.stopTimer(id)
	c.timers[id] = time.AfterFunc(d, func() { c.post(retryTimer{node: id}) })
}

func (c *controller) armApprovalTimer(id pipeline.NodeID, d time.Duration) {
	c.stopTimer(id)
	c.timers[id] = time.AfterFunc(d, func() { c.post(approvalTimer{node: id}) })
}

func (c *controller) stopTimer(id pipeline.NodeID) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *controller) stopTimers() {
	for id := range c.timers {
		c.stopTimer(id)
	}
}

func (c *controller) emit(eventType, level string, node pipeline.NodeID, msg string, data map[string]interface{}) {
	if c.exec.events == nil {
		return
	}
	ev := telemetry.Event{
		Type:     eventType,
		Source:   "engine",
		RunID:    c.snap.ID.String(),
		WorkItem: c.snap.WorkItem.String(),
		NodeID:   string(node),
		Message:  msg,
		Level:    level,
		Data:     data,
	}
	if err := c.exec.events.Publish(ev); err != nil {
		c.log.Debugf("Dropped event %s: %v", eventType, err)
	}
}

func removeNode(ids []pipeline.NodeID, id pipeline.NodeID) []pipeline.NodeID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

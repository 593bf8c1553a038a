package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/extension/client"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

type call struct {
	service pipeline.ServiceName
	method  string
	payload json.RawMessage
	timeout time.Duration
}

// fakeCaller replays scripted replies in order; the last one repeats.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []call
	replies []reply
}

type reply struct {
	result string
	err    error
}

func (f *fakeCaller) Call(ctx context.Context, name pipeline.ServiceName, method string, payload json.RawMessage, timeout time.Duration) (*client.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{service: name, method: method, payload: payload, timeout: timeout})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.replies) == 0 {
		return &client.Response{}, nil
	}
	i := len(f.calls) - 1
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	r := f.replies[i]
	if r.err != nil {
		return nil, r.err
	}
	return &client.Response{Result: json.RawMessage(r.result)}, nil
}

func (f *fakeCaller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type chargeLog struct {
	mu     sync.Mutex
	total  pipeline.TokenCost
	budget float64
}

func (c *chargeLog) charge(node pipeline.NodeID, amount pipeline.TokenCost) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = c.total.Add(amount)
	if c.budget > 0 && c.total.Float64() >= c.budget {
		return pipeline.NewBudgetExceeded(c.total, pipeline.MustCostBudget(c.budget))
	}
	return nil
}

func newRC(ctx context.Context, charges *chargeLog) *engine.RunContext {
	var fn engine.ChargeFunc
	if charges != nil {
		fn = charges.charge
	}
	return engine.NewRunContext(ctx, pipeline.NewRunID(), 42, "implement", 1, fn)
}

func resolveService(t *testing.T, caller Caller, params map[string]interface{}) engine.Node {
	t.Helper()
	node, err := ServiceFactory(caller, Pricing{InputPerMTok: 3, OutputPerMTok: 15})(engine.NodeSpec{
		ID:         "implement",
		Capability: ServiceCapability,
		Params:     params,
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("ServiceFactory() error = %v", err)
	}
	return node
}

func TestServiceNode_Execute(t *testing.T) {
	caller := &fakeCaller{replies: []reply{{result: `{
		"artifacts": ["pkg/a.go", "pkg/a_test.go"],
		"diagnostics": [{"severity": "warning", "category": "style", "message": "long line"}],
		"output": {"decision": "done"},
		"usage": {"input_tokens": 1000000, "output_tokens": 100000}
	}`}}}
	node := resolveService(t, caller, map[string]interface{}{
		"service": "codegen",
		"method":  "implement",
		"args":    map[string]interface{}{"language": "go"},
	})
	charges := &chargeLog{}

	in := engine.NodeInput{
		Node:     engine.NodeSpec{ID: "implement", Timeout: 5 * time.Second},
		Attempt:  2,
		Trigger:  json.RawMessage(`{"title":"bug"}`),
		Upstream: map[pipeline.NodeID]json.RawMessage{"plan": json.RawMessage(`{"steps":3}`)},
	}
	out, err := node.Execute(newRC(context.Background(), charges), in)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(out.Artifacts) != 2 || out.Artifacts[1] != "pkg/a_test.go" {
		t.Errorf("artifacts = %v", out.Artifacts)
	}
	if len(out.Diagnostics) != 1 || out.Diagnostics[0].Message != "long line" {
		t.Errorf("diagnostics = %+v", out.Diagnostics)
	}
	if string(out.Output) != `{"decision": "done"}` {
		t.Errorf("output = %s", out.Output)
	}
	// 1M input at $3 plus 100k output at $15.
	if got := charges.total.Float64(); got < 4.49 || got > 4.51 {
		t.Errorf("charged = %v, want 4.50", got)
	}

	c := caller.calls[0]
	if c.service != "codegen" || c.method != "implement" || c.timeout != 5*time.Second {
		t.Errorf("call = %+v", c)
	}
	var req ServiceRequest
	if err := json.Unmarshal(c.payload, &req); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if req.WorkItem != 42 || req.Attempt != 2 || req.Node != "implement" {
		t.Errorf("request = %+v", req)
	}
	if req.Args["language"] != "go" || string(req.Upstream["plan"]) != `{"steps":3}` {
		t.Errorf("request args/upstream = %+v", req)
	}
}

func TestServiceNode_ReportedCostWins(t *testing.T) {
	caller := &fakeCaller{replies: []reply{{result: `{"usage": {"input_tokens": 5000000, "cost_usd": 0.25}}`}}}
	node := resolveService(t, caller, map[string]interface{}{"service": "s", "method": "m"})
	charges := &chargeLog{}

	if _, err := node.Execute(newRC(context.Background(), charges), engine.NodeInput{}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if charges.total.Float64() != 0.25 {
		t.Errorf("charged = %v, want 0.25", charges.total)
	}
}

func TestServiceNode_Errors(t *testing.T) {
	transient := pipeline.NewTransientError("busy", nil)

	tests := []struct {
		name   string
		reply  reply
		budget float64
		check  func(error) bool
	}{
		{name: "call error passes through", reply: reply{err: transient}, check: func(err error) bool { return errors.Is(err, transient) }},
		{name: "malformed result", reply: reply{result: `[1,2]`}, check: pipeline.IsConfiguration},
		{name: "blank artifact", reply: reply{result: `{"artifacts": [" "]}`}, check: pipeline.IsConfiguration},
		{name: "negative cost", reply: reply{result: `{"usage": {"cost_usd": -1}}`}, check: pipeline.IsConfiguration},
		{name: "budget reached", reply: reply{result: `{"usage": {"cost_usd": 2}}`}, budget: 1, check: pipeline.IsBudget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := resolveService(t, &fakeCaller{replies: []reply{tt.reply}}, map[string]interface{}{"service": "s", "method": "m"})
			_, err := node.Execute(newRC(context.Background(), &chargeLog{budget: tt.budget}), engine.NodeInput{})
			if err == nil || !tt.check(err) {
				t.Errorf("Execute() error = %v", err)
			}
		})
	}
}

func TestServiceNode_Cancelled(t *testing.T) {
	caller := &fakeCaller{}
	node := resolveService(t, caller, map[string]interface{}{"service": "s", "method": "m"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := node.Execute(newRC(ctx, nil), engine.NodeInput{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want canceled", err)
	}
	if caller.count() != 0 {
		t.Errorf("service called %d times after cancellation", caller.count())
	}
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{InputPerMTok: 2, OutputPerMTok: 10}
	reported := 1.5

	tests := []struct {
		name  string
		usage Usage
		want  float64
	}{
		{name: "zero", usage: Usage{}, want: 0},
		{name: "tokens", usage: Usage{InputTokens: 500000, OutputTokens: 200000}, want: 3},
		{name: "reported", usage: Usage{InputTokens: 500000, CostUSD: &reported}, want: 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Cost(tt.usage)
			if err != nil {
				t.Fatalf("Cost() error = %v", err)
			}
			if d := got.Float64() - tt.want; d > 1e-9 || d < -1e-9 {
				t.Errorf("Cost() = %v, want %v", got.Float64(), tt.want)
			}
		})
	}
}

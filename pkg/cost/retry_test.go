package cost

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cogworks/cogworks/pkg/pipeline"
)

func TestNewRetryEngine_RequiresAttempts(t *testing.T) {
	if _, err := NewRetryEngine(0, pipeline.DefaultBackoff()); !pipeline.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got: %v", err)
	}
}

func TestRetryEngine_Classify(t *testing.T) {
	engine, err := NewRetryEngine(3, pipeline.DefaultBackoff())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"unknown", errors.New("boom"), false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"transient", pipeline.NewTransientError("unavailable", nil), true},
		{"halt", pipeline.NewPipelineHalt("stop"), false},
		{"budget", pipeline.NewBudgetExceeded(pipeline.MustTokenCost(2), mustBudget(t, 1)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.Classify(tt.err).Retryable; got != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}

func mustBudget(t *testing.T, usd float64) pipeline.CostBudget {
	t.Helper()
	return budget(t, usd)
}

func TestRetryEngine_DelayHonoursAfter(t *testing.T) {
	engine, err := NewRetryEngine(3, pipeline.Backoff{Base: time.Millisecond, Max: time.Millisecond})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	after := 250 * time.Millisecond
	d := engine.Decide(pipeline.NewRateLimitedError("slow down", after), 1)
	if !d.Retry {
		t.Fatal("Expected retry")
	}
	if d.Delay < after {
		t.Errorf("Expected delay >= %s, got %s", after, d.Delay)
	}
}

func TestRetryEngine_BackoffWithoutAfter(t *testing.T) {
	engine, err := NewRetryEngine(5, pipeline.Backoff{Base: 10 * time.Millisecond, Max: time.Second})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	transient := pipeline.NewTransientError("unavailable", nil)
	expected := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, want := range expected {
		d := engine.Decide(transient, i+1)
		if d.Delay != want {
			t.Errorf("attempt %d: expected %s, got %s", i+1, want, d.Delay)
		}
	}
}

func TestRetryEngine_EscalatesAtCeiling(t *testing.T) {
	engine, err := NewRetryEngine(2, pipeline.DefaultBackoff())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	transient := pipeline.NewTimeoutError("timed out", nil)
	if d := engine.Decide(transient, 1); !d.Retry {
		t.Error("Expected retry after first attempt")
	}

	d := engine.Decide(transient, 2)
	if d.Retry || !d.Exhausted {
		t.Fatalf("Expected exhaustion at the ceiling, got %+v", d)
	}

	escalated := Escalate(transient, 2)
	if escalated.Policy.Retryable {
		t.Error("Expected escalated error to be non-retryable")
	}
	if escalated.Code != pipeline.CodeRetriesExhausted {
		t.Errorf("Expected code %s, got %s", pipeline.CodeRetriesExhausted, escalated.Code)
	}

	if d := engine.Decide(pipeline.NewPipelineHalt("stop"), 1); d.Retry || d.Exhausted {
		t.Errorf("Expected non-retryable to stop immediately, got %+v", d)
	}
}

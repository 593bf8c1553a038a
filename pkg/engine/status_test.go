package engine

import "testing"

func TestRunState_Transitions(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		{RunStatePending, RunStateRunning, true},
		{RunStateRunning, RunStateAwaitingApproval, true},
		{RunStateAwaitingApproval, RunStateRunning, true},
		{RunStateAwaitingApproval, RunStateHalted, true},
		{RunStateRunning, RunStateCompleted, true},
		{RunStatePending, RunStateCompleted, false},
		{RunStateAwaitingApproval, RunStateCompleted, false},
		{RunStateCompleted, RunStateRunning, false},
		{RunStateFailed, RunStateHalted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRunState_Classes(t *testing.T) {
	for _, s := range []RunState{RunStatePending, RunStateRunning, RunStateAwaitingApproval} {
		if !s.IsActive() || s.IsTerminal() {
			t.Errorf("%s: active=%v terminal=%v", s, s.IsActive(), s.IsTerminal())
		}
	}
	for _, s := range []RunState{RunStateCompleted, RunStateHalted, RunStateFailed} {
		if s.IsActive() || !s.IsTerminal() {
			t.Errorf("%s: active=%v terminal=%v", s, s.IsActive(), s.IsTerminal())
		}
	}
	if err := RunState("paused").Validate(); err == nil {
		t.Error("Validate() accepted unknown state")
	}
}

func TestEnums_Validate(t *testing.T) {
	if err := JoinMode("some").Validate(); err == nil {
		t.Error("JoinMode accepted unknown value")
	}
	if err := NodeKind("script").Validate(); err == nil {
		t.Error("NodeKind accepted unknown value")
	}
	if err := SignalKind("pause").Validate(); err == nil {
		t.Error("SignalKind accepted unknown value")
	}
	if err := NodeStatusSkipped.Validate(); err != nil {
		t.Errorf("NodeStatusSkipped.Validate() = %v", err)
	}
}

package listener

import (
	"context"
	"errors"
	"testing"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

func TestClassifier_Classify(t *testing.T) {
	tests := []struct {
		name     string
		kind     string
		payload  string
		wantKind engine.SignalKind
		wantNode pipeline.NodeID
		wantNote string
	}{
		{"opened", "issues", `{"action":"opened"}`, engine.SignalStart, "", ""},
		{"trigger label", "issues", `{"action":"labeled","label":{"name":"cogworks:run"}}`, engine.SignalStart, "", ""},
		{"other label", "issues", `{"action":"labeled","label":{"name":"bug"}}`, "", "", ""},
		{"closed", "issues", `{"action":"closed"}`, "", "", ""},
		{"approve all", "issue_comment", `{"action":"created","comment":{"body":"/cogworks approve","user":{"login":"ann"}}}`, engine.SignalApprove, "", ""},
		{"approve node", "issue_comment", `{"action":"created","comment":{"body":"/cogworks approve review\nthanks"}}`, engine.SignalApprove, "review", ""},
		{"reject", "issue_comment", `{"action":"created","comment":{"body":"/cogworks reject wrong approach"}}`, engine.SignalReject, "", "wrong approach"},
		{"edited comment", "issue_comment", `{"action":"edited","comment":{"body":"/cogworks approve"}}`, "", "", ""},
		{"plain comment", "issue_comment", `{"action":"created","comment":{"body":"looks good"}}`, "", "", ""},
		{"push", "push", `{}`, "", "", ""},
	}

	c := Classifier{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := c.Classify(Event{SessionKey: 3, Kind: tt.kind, Payload: []byte(tt.payload)})
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if tt.wantKind == "" {
				if sig != nil {
					t.Errorf("Classify() = %+v, want nil", sig)
				}
				return
			}
			if sig == nil {
				t.Fatal("Classify() = nil")
			}
			if sig.Kind != tt.wantKind || sig.Node != tt.wantNode || sig.Reason != tt.wantNote || sig.WorkItem != 3 {
				t.Errorf("Classify() = %+v", sig)
			}
		})
	}
}

type signalRecorder struct {
	err  error
	sigs []engine.Signal
}

func (r *signalRecorder) Signal(_ context.Context, sig engine.Signal) error {
	r.sigs = append(r.sigs, sig)
	return r.err
}

func TestSignalHandler_ErrorMapping(t *testing.T) {
	ev := Event{SessionKey: 1, Kind: "issues", Payload: []byte(`{"action":"opened"}`)}

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"ok", nil, false},
		{"already running", engine.ErrRunActive, false},
		{"held", engine.ErrWorkItemHeld, false},
		{"transient", pipeline.NewTransientError("store down", nil), true},
		{"closed", engine.ErrExecutorClosed, true},
		{"configuration", pipeline.NewConfigurationError("bad", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &signalRecorder{err: tt.err}
			h := NewSignalHandler(Classifier{}, target, nil)
			err := h.Handle(context.Background(), ev)
			if (err != nil) != tt.wantErr {
				t.Errorf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(target.sigs) != 1 {
				t.Errorf("signals = %d, want 1", len(target.sigs))
			}
		})
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("test", "pull_request", "d", []byte(`{"pull_request":{"number":12}}`))
	if err != nil || ev.SessionKey != 12 || ev.DedupKey != "d" {
		t.Errorf("ParseEvent() = %+v, %v", ev, err)
	}

	_, err = ParseEvent("test", "issues", "d", []byte(`[`))
	var ie *IngestionError
	if !errors.As(err, &ie) || ie.Reason != "malformed payload" {
		t.Errorf("ParseEvent(malformed) error = %v", err)
	}
}

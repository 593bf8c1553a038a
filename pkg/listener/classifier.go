package listener

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// DefaultTriggerLabel is the issue label that starts a run.
const DefaultTriggerLabel = "cogworks:run"

const commandPrefix = "/cogworks"

// Classifier maps GitHub events to executor signals.
type Classifier struct {
	TriggerLabel string
}

type githubPayload struct {
	Action string `json:"action"`
	Label  *struct {
		Name string `json:"name"`
	} `json:"label"`
	Comment *struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// Classify returns the signal for ev, or nil when the event is not
// actionable.
func (c Classifier) Classify(ev Event) (*engine.Signal, error) {
	var p githubPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, &IngestionError{Source: "classifier", Reason: "malformed payload", Err: err}
	}

	label := c.TriggerLabel
	if label == "" {
		label = DefaultTriggerLabel
	}

	switch ev.Kind {
	case "issues":
		switch {
		case p.Action == "opened":
		case p.Action == "labeled" && p.Label != nil && p.Label.Name == label:
		default:
			return nil, nil
		}
		return &engine.Signal{
			Kind:     engine.SignalStart,
			WorkItem: ev.SessionKey,
			Actor:    p.Sender.Login,
			Payload:  ev.Payload,
		}, nil

	case "issue_comment":
		if p.Action != "created" || p.Comment == nil {
			return nil, nil
		}
		return parseCommand(ev.SessionKey, p.Comment.User.Login, p.Comment.Body), nil
	}
	return nil, nil
}

// parseCommand reads "/cogworks approve [node]" or "/cogworks reject
// [reason]" from the first line of a comment.
func parseCommand(wi pipeline.WorkItemID, actor, body string) *engine.Signal {
	line, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != commandPrefix {
		return nil
	}

	switch fields[1] {
	case "approve":
		sig := &engine.Signal{Kind: engine.SignalApprove, WorkItem: wi, Actor: actor}
		if len(fields) > 2 {
			sig.Node = pipeline.NodeID(fields[2])
		}
		return sig
	case "reject":
		return &engine.Signal{
			Kind:     engine.SignalReject,
			WorkItem: wi,
			Actor:    actor,
			Reason:   strings.TrimSpace(strings.Join(fields[2:], " ")),
		}
	}
	return nil
}

// SignalTarget receives classified signals.
type SignalTarget interface {
	Signal(ctx context.Context, sig engine.Signal) error
}

// SignalHandler is the Handler that classifies events and forwards the
// resulting signals. Signals that can never succeed on redelivery are
// logged and acknowledged; only transient failures are returned.
type SignalHandler struct {
	classifier Classifier
	target     SignalTarget
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
}

// NewSignalHandler creates a handler forwarding to target.
func NewSignalHandler(c Classifier, target SignalTarget, t *telemetry.Telemetry) *SignalHandler {
	h := &SignalHandler{classifier: c, target: target, logger: telemetry.Nop()}
	if t != nil {
		if t.Logger != nil {
			h.logger = t.Logger.NewComponentLogger("classifier")
		}
		h.metrics = t.Metrics
	}
	return h
}

// Handle implements Handler.
func (h *SignalHandler) Handle(ctx context.Context, ev Event) error {
	log := h.logger.WithWorkItem(ev.SessionKey.String())

	sig, err := h.classifier.Classify(ev)
	if err != nil {
		h.metrics.RecordEventRejected("classifier", "malformed_payload")
		log.WithError(err).Warn("Dropping unclassifiable event")
		return nil
	}
	if sig == nil {
		log.Debugf("Ignoring %s event", ev.Kind)
		return nil
	}

	err = h.target.Signal(ctx, *sig)
	switch {
	case err == nil:
		log.Infof("Delivered %s signal", sig.Kind)
		return nil
	case errors.Is(err, engine.ErrRunActive),
		errors.Is(err, engine.ErrWorkItemHeld),
		errors.Is(err, engine.ErrNoActiveRun),
		errors.Is(err, engine.ErrNoPendingApproval),
		errors.Is(err, engine.ErrRunFinished):
		log.Warnf("Signal %s not applied: %v", sig.Kind, err)
		return nil
	case pipeline.IsRetryable(err), errors.Is(err, engine.ErrExecutorClosed), ctx.Err() != nil:
		return err
	default:
		log.WithError(err).Errorf("Signal %s failed", sig.Kind)
		return nil
	}
}

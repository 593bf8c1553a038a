package listener

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cogworks/cogworks/pkg/pipeline"
)

// Event is one ingested work-item event. Events sharing a SessionKey are
// delivered to the handler in the order they were admitted.
type Event struct {
	SessionKey pipeline.WorkItemID `json:"session_key"`
	DedupKey   string              `json:"dedup_key"`
	Kind       string              `json:"kind"`
	Payload    json.RawMessage     `json:"payload"`
	ReceivedAt time.Time           `json:"received_at"`
}

// Handler consumes ordered, deduplicated events.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Delivery is a leased queue message.
type Delivery struct {
	ID       int64
	Event    Event
	Attempts int
}

// Queue is a durable, session-ordered message queue. Receive leases at most
// one message per session key: the oldest unacknowledged one. A message
// that is not acknowledged before its lease expires becomes receivable
// again, ahead of every later message of its session.
type Queue interface {
	Enqueue(ctx context.Context, ev Event) error
	Receive(ctx context.Context, owner string, max int, lease time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, id int64, owner string) error
	Nack(ctx context.Context, id int64, owner string, delay time.Duration) error
}

// IngestionError reports a payload rejected at the edge. It never reaches
// the executor.
type IngestionError struct {
	Source string
	Reason string
	Err    error
}

func (e *IngestionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s ingestion rejected: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s ingestion rejected: %s", e.Source, e.Reason)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// sessionPayload is the subset of a GitHub payload that carries the work
// item number.
type sessionPayload struct {
	Issue *struct {
		Number uint64 `json:"number"`
	} `json:"issue"`
	PullRequest *struct {
		Number uint64 `json:"number"`
	} `json:"pull_request"`
	Number uint64 `json:"number"`
}

// ParseEvent builds an Event from a raw GitHub payload. The dedup key
// falls back to the payload digest when delivery is empty.
func ParseEvent(source, kind, delivery string, body []byte) (Event, error) {
	var p sessionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, &IngestionError{Source: source, Reason: "malformed payload", Err: err}
	}

	var key uint64
	switch {
	case p.Issue != nil && p.Issue.Number > 0:
		key = p.Issue.Number
	case p.PullRequest != nil && p.PullRequest.Number > 0:
		key = p.PullRequest.Number
	default:
		key = p.Number
	}
	if key == 0 {
		return Event{}, &IngestionError{Source: source, Reason: "missing work item number"}
	}

	if delivery == "" {
		sum := sha256.Sum256(body)
		delivery = hex.EncodeToString(sum[:])
	}

	return Event{
		SessionKey: pipeline.WorkItemID(key),
		DedupKey:   delivery,
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), body...),
		ReceivedAt: time.Now().UTC(),
	}, nil
}

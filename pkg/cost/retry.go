package cost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cogworks/cogworks/pkg/pipeline"
)

// Decision is the verdict for a failed attempt.
type Decision struct {
	// Retry is true when the work should be attempted again.
	Retry bool

	// Delay is the minimum wait before the next attempt.
	Delay time.Duration

	// Exhausted is true when the error was retryable but the attempt
	// ceiling has been reached.
	Exhausted bool
}

// RetryEngine applies retry policies with an attempt ceiling.
type RetryEngine struct {
	maxAttempts int
	backoff     pipeline.Backoff
}

// NewRetryEngine creates an engine allowing at most maxAttempts attempts per
// unit of work, the first included.
func NewRetryEngine(maxAttempts int, backoff pipeline.Backoff) (*RetryEngine, error) {
	if maxAttempts < 1 {
		return nil, pipeline.NewConfigurationError(
			fmt.Sprintf("retry max attempts must be at least 1, got %d", maxAttempts), nil)
	}
	return &RetryEngine{maxAttempts: maxAttempts, backoff: backoff}, nil
}

// MaxAttempts returns the attempt ceiling.
func (e *RetryEngine) MaxAttempts() int { return e.maxAttempts }

// Classify returns the retry policy of err. Classified errors carry their
// own policy; deadline and network timeouts are transient; anything else
// never retries.
func (e *RetryEngine) Classify(err error) pipeline.RetryPolicy {
	if err == nil {
		return pipeline.NonRetryable()
	}
	if pe, ok := pipeline.AsError(err); ok {
		return pe.Policy
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.RetryWithBackoff()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.RetryWithBackoff()
	}
	return pipeline.NonRetryable()
}

// Decide returns what to do after attempt number attempt (1-based) failed
// with err.
func (e *RetryEngine) Decide(err error, attempt int) Decision {
	policy := e.Classify(err)
	if !policy.Retryable {
		return Decision{}
	}
	if attempt >= e.maxAttempts {
		return Decision{Exhausted: true}
	}

	delay := e.backoff.Delay(attempt - 1)
	if policy.After != nil {
		delay = *policy.After
	}
	return Decision{Retry: true, Delay: delay}
}

// Escalate turns a retryable error whose attempts are exhausted into a
// non-retryable one, keeping its kind and message.
func Escalate(err error, attempts int) *pipeline.Error {
	if pe, ok := pipeline.AsError(err); ok {
		out := *pe
		out.Policy = pipeline.NonRetryable()
		out.Message = fmt.Sprintf("%s (after %d attempts)", pe.Message, attempts)
		out.Code = pipeline.CodeRetriesExhausted
		out.Details = nil
		return &out
	}
	return &pipeline.Error{
		Kind:    pipeline.KindTransient,
		Code:    pipeline.CodeRetriesExhausted,
		Message: fmt.Sprintf("retries exhausted after %d attempts", attempts),
		Policy:  pipeline.NonRetryable(),
		Err:     err,
	}
}

package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an error for halt, hold, and retry decisions.
type ErrorKind string

const (
	// KindHalt is a deliberate stop that needs human attention before a
	// re-run: explicit halts, missing constitutional rules, protected-path
	// and scope violations.
	KindHalt ErrorKind = "halt"

	// KindBudget means the accumulated spend reached the run's cost ceiling.
	KindBudget ErrorKind = "budget"

	// KindContentSafety means external content carried an injected
	// directive. The work item is held pending review.
	KindContentSafety ErrorKind = "content_safety"

	// KindTransient covers timeouts, rate limits and temporarily
	// unavailable services. It is the only retryable kind.
	KindTransient ErrorKind = "transient"

	// KindConfiguration is invalid setup detected at load or handshake time.
	KindConfiguration ErrorKind = "configuration"
)

// Validate checks the kind is one of the known values.
func (k ErrorKind) Validate() error {
	switch k {
	case KindHalt, KindBudget, KindContentSafety, KindTransient, KindConfiguration:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// Error codes for programmatic handling.
const (
	CodePipelineHalt               = "PIPELINE_HALT"
	CodeBudgetExceeded             = "BUDGET_EXCEEDED"
	CodeInjectionDetected          = "INJECTION_DETECTED"
	CodeConstitutionalRulesMissing = "CONSTITUTIONAL_RULES_MISSING"
	CodeProtectedPathViolation     = "PROTECTED_PATH_VIOLATION"
	CodeScopeViolation             = "SCOPE_VIOLATION"
	CodeConfiguration              = "CONFIGURATION_ERROR"
	CodeIncompatibleVersion        = "INCOMPATIBLE_VERSION"
	CodeCapabilityMissing          = "CAPABILITY_MISSING"
	CodeTimeout                    = "TIMEOUT"
	CodeRateLimited                = "RATE_LIMITED"
	CodeUnavailable                = "UNAVAILABLE"
	CodeApprovalTimeout            = "APPROVAL_TIMEOUT"
	CodeApprovalRejected           = "APPROVAL_REJECTED"
	CodeRetriesExhausted           = "RETRIES_EXHAUSTED"
	CodeRemote                     = "REMOTE_ERROR"
	CodeCancelled                  = "CANCELLED"
	CodeUnclassified               = "UNCLASSIFIED"
)

// RetryPolicy states whether a failed operation may be re-invoked and, if so,
// the minimum delay before doing so.
type RetryPolicy struct {
	// Retryable is false when escalation or a halt is required.
	Retryable bool

	// After is the minimum back-off before the next attempt. Nil means the
	// caller applies its own back-off schedule.
	After *time.Duration
}

// RetryAfter returns a retryable policy with a minimum delay.
func RetryAfter(d time.Duration) RetryPolicy {
	return RetryPolicy{Retryable: true, After: &d}
}

// RetryWithBackoff returns a retryable policy without a minimum delay.
func RetryWithBackoff() RetryPolicy {
	return RetryPolicy{Retryable: true}
}

// NonRetryable returns the policy that always escalates.
func NonRetryable() RetryPolicy {
	return RetryPolicy{}
}

func (p RetryPolicy) String() string {
	switch {
	case !p.Retryable:
		return "non-retryable"
	case p.After != nil:
		return fmt.Sprintf("retryable(after=%s)", *p.After)
	default:
		return "retryable"
	}
}

type retryPolicyJSON struct {
	Retryable bool   `json:"retryable"`
	AfterMs   *int64 `json:"after_ms,omitempty"`
}

// MarshalJSON encodes the policy with the delay in milliseconds.
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	out := retryPolicyJSON{Retryable: p.Retryable}
	if p.After != nil {
		ms := p.After.Milliseconds()
		out.AfterMs = &ms
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the policy.
func (p *RetryPolicy) UnmarshalJSON(b []byte) error {
	var in retryPolicyJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	p.Retryable = in.Retryable
	p.After = nil
	if in.AfterMs != nil {
		d := time.Duration(*in.AfterMs) * time.Millisecond
		p.After = &d
	}
	return nil
}

// Error is the classified error that crosses component boundaries. Every
// error the orchestrator acts on is, or wraps, an *Error.
// nolint:revive // the package name qualifies it at call sites
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Code is a stable identifier for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable description, recorded verbatim as the
	// halt or failure reason of a run.
	Message string `json:"message"`

	// Policy is the attached retry policy.
	Policy RetryPolicy `json:"policy"`

	// Node is the node that produced the error, if any.
	Node NodeID `json:"node,omitempty"`

	// Service is the domain service involved, if any.
	Service ServiceName `json:"service,omitempty"`

	// Details carries structured context such as accumulated and limit values.
	Details map[string]interface{} `json:"details,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and code, so sentinel *Error values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

type errorJSON struct {
	Kind    ErrorKind              `json:"kind"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Policy  RetryPolicy            `json:"policy"`
	Node    NodeID                 `json:"node,omitempty"`
	Service ServiceName            `json:"service,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   string                 `json:"cause,omitempty"`
}

// MarshalJSON keeps the cause as text so a persisted error reads the same
// after a restart.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := errorJSON{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Message,
		Policy:  e.Policy,
		Node:    e.Node,
		Service: e.Service,
		Details: e.Details,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a persisted error.
func (e *Error) UnmarshalJSON(b []byte) error {
	var in errorJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if err := in.Kind.Validate(); err != nil {
		return err
	}
	*e = Error{
		Kind:    in.Kind,
		Code:    in.Code,
		Message: in.Message,
		Policy:  in.Policy,
		Node:    in.Node,
		Service: in.Service,
		Details: in.Details,
	}
	if in.Cause != "" {
		e.Err = errors.New(in.Cause)
	}
	return nil
}

// WithNode records the node that produced the error.
func (e *Error) WithNode(node NodeID) *Error {
	e.Node = node
	return e
}

// WithService records the domain service involved.
func (e *Error) WithService(service ServiceName) *Error {
	e.Service = service
	return e
}

// WithCode overrides the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a structured detail.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets a minimum back-off on a transient error. It has no
// effect on other kinds, which never retry.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if e.Kind == KindTransient {
		e.Policy = RetryAfter(d)
	}
	return e
}

// Constructors. Messages match what operators see in run records.

// NewPipelineHalt reports a deliberate halt.
func NewPipelineHalt(reason string) *Error {
	return &Error{
		Kind:    KindHalt,
		Code:    CodePipelineHalt,
		Message: "Pipeline halted: " + reason,
		Policy:  NonRetryable(),
	}
}

// NewBudgetExceeded reports that accumulated spend reached the limit.
func NewBudgetExceeded(accumulated TokenCost, limit CostBudget) *Error {
	return &Error{
		Kind:    KindBudget,
		Code:    CodeBudgetExceeded,
		Message: fmt.Sprintf("Cost budget exceeded: accumulated %s, limit %s", accumulated, limit),
		Policy:  NonRetryable(),
		Details: map[string]interface{}{
			"accumulated": accumulated.Float64(),
			"limit":       limit.Float64(),
		},
	}
}

// NewInjectionDetected reports an injected directive in external content.
func NewInjectionDetected(sourceDocument, offendingText string) *Error {
	return &Error{
		Kind:    KindContentSafety,
		Code:    CodeInjectionDetected,
		Message: fmt.Sprintf("Injection detected in '%s': %s", sourceDocument, offendingText),
		Policy:  NonRetryable(),
		Details: map[string]interface{}{
			"source_document": sourceDocument,
			"offending_text":  offendingText,
		},
	}
}

// NewConstitutionalRulesMissing reports that the rules could not be loaded
// or validated.
func NewConstitutionalRulesMissing(err error) *Error {
	return &Error{
		Kind:    KindHalt,
		Code:    CodeConstitutionalRulesMissing,
		Message: "Constitutional rules could not be loaded or validated",
		Policy:  NonRetryable(),
		Err:     err,
	}
}

// NewProtectedPathViolation reports a write to a protected path.
func NewProtectedPathViolation(path ArtifactPath) *Error {
	return &Error{
		Kind:    KindHalt,
		Code:    CodeProtectedPathViolation,
		Message: fmt.Sprintf("Protected path violation: %s", path),
		Policy:  NonRetryable(),
		Details: map[string]interface{}{"path": string(path)},
	}
}

// NewScopeViolation reports work outside the approved capability scope.
func NewScopeViolation(description string) *Error {
	return &Error{
		Kind:    KindHalt,
		Code:    CodeScopeViolation,
		Message: "Scope violation: " + description,
		Policy:  NonRetryable(),
	}
}

// NewConfigurationError reports invalid setup.
func NewConfigurationError(message string, err error) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Code:    CodeConfiguration,
		Message: "Configuration error: " + message,
		Policy:  NonRetryable(),
		Err:     err,
	}
}

// NewTransientError reports a temporary failure that may succeed on retry.
func NewTransientError(message string, err error) *Error {
	return &Error{
		Kind:    KindTransient,
		Code:    CodeUnavailable,
		Message: message,
		Policy:  RetryWithBackoff(),
		Err:     err,
	}
}

// NewTimeoutError reports a timed-out external call.
func NewTimeoutError(message string, err error) *Error {
	return NewTransientError(message, err).WithCode(CodeTimeout)
}

// NewRateLimitedError reports a rate-limit response with its reset delay.
func NewRateLimitedError(message string, after time.Duration) *Error {
	return NewTransientError(message, nil).WithCode(CodeRateLimited).WithRetryAfter(after)
}

// Inspection helpers

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Classify returns err as an *Error. Errors that carry no classification
// become a non-retryable error that fails rather than halts a run.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return &Error{
		Kind:    KindTransient,
		Code:    CodeUnclassified,
		Message: "unclassified error",
		Policy:  NonRetryable(),
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	if e, ok := AsError(err); ok {
		return e.Kind, true
	}
	return "", false
}

// PolicyOf returns the retry policy attached to err. Errors that are not
// classified never retry.
func PolicyOf(err error) RetryPolicy {
	if e, ok := AsError(err); ok {
		return e.Policy
	}
	return NonRetryable()
}

func isKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsHalt reports whether err is halt-class.
func IsHalt(err error) bool { return isKind(err, KindHalt) }

// IsBudget reports whether err is budget-class.
func IsBudget(err error) bool { return isKind(err, KindBudget) }

// IsContentSafety reports whether err is content-safety class.
func IsContentSafety(err error) bool { return isKind(err, KindContentSafety) }

// IsTransient reports whether err is transient.
func IsTransient(err error) bool { return isKind(err, KindTransient) }

// IsConfiguration reports whether err is configuration-class.
func IsConfiguration(err error) bool { return isKind(err, KindConfiguration) }

// IsRetryable reports whether err's policy allows another attempt.
func IsRetryable(err error) bool { return PolicyOf(err).Retryable }

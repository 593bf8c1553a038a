package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cogworks/cogworks/pkg/cost"
	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/extension/client"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Source names where external content came from, for example the
	// issue that triggered the run. Messages with a Source are screened
	// for injected directives before the request is sent.
	Source string `json:"-"`
}

// CompletionRequest is the payload of the provider's completion method.
type CompletionRequest struct {
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// Completion is the provider's reply.
type Completion struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason,omitempty"`
	Model      string `json:"model,omitempty"`
	Usage      Usage  `json:"usage"`
}

// GatewayConfig selects the provider service and the local retry policy.
type GatewayConfig struct {
	Service pipeline.ServiceName
	Method  string

	// MaxAttempts bounds local attempts per Complete call, the first
	// included.
	MaxAttempts int
	Backoff     pipeline.Backoff

	// Timeout bounds one provider call. Zero defers to the client.
	Timeout time.Duration

	Pricing Pricing
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayTelemetry wires logging and token metrics.
func WithGatewayTelemetry(t *telemetry.Telemetry) GatewayOption {
	return func(g *Gateway) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			g.logger = t.Logger.NewComponentLogger("llm-gateway")
		}
		g.metrics = t.Metrics
	}
}

// Gateway wraps every language-model call. It screens external content,
// retries transient provider failures, and charges the run for the usage
// each call reports.
type Gateway struct {
	caller  Caller
	checker ContentChecker
	cfg     GatewayConfig
	retry   *cost.RetryEngine
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGateway validates cfg and returns a gateway. checker may be nil only
// when no external content is ever passed; Complete fails otherwise.
func NewGateway(caller Caller, checker ContentChecker, cfg GatewayConfig, opts ...GatewayOption) (*Gateway, error) {
	if caller == nil {
		return nil, pipeline.NewConfigurationError("llm gateway needs a service caller", nil)
	}
	if cfg.Service == "" {
		return nil, pipeline.NewConfigurationError("llm gateway needs a provider service", nil)
	}
	if cfg.Method == "" {
		cfg.Method = "complete"
	}
	retry, err := cost.NewRetryEngine(cfg.MaxAttempts, cfg.Backoff)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		caller:  caller,
		checker: checker,
		cfg:     cfg,
		retry:   retry,
		logger:  telemetry.Nop(),
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Complete sends req to the provider on behalf of the node running in rc.
func (g *Gateway) Complete(rc *engine.RunContext, req CompletionRequest) (*Completion, error) {
	ctx := rc.Context()
	log := rc.Logger().WithField("service", g.cfg.Service)

	for _, m := range req.Messages {
		if m.Source == "" {
			continue
		}
		if g.checker == nil {
			return nil, pipeline.NewConstitutionalRulesMissing(fmt.Errorf("no content checker for %s", m.Source))
		}
		if err := g.checker.CheckContent(ctx, m.Source, m.Content); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	for attempt := 1; ; attempt++ {
		if err := rc.Checkpoint(); err != nil {
			return nil, err
		}

		resp, err := g.caller.Call(ctx, g.cfg.Service, g.cfg.Method, payload, g.cfg.Timeout)
		if err == nil {
			return g.accept(rc, resp)
		}

		decision := g.retry.Decide(err, attempt)
		if !decision.Retry {
			if decision.Exhausted {
				g.logger.WithField("service", g.cfg.Service).WithError(err).
					Warnf("Provider retries exhausted after %d attempts", attempt)
			}
			return nil, err
		}
		log.WithError(err).WithField("attempt", attempt).
			Debugf("Provider call failed, retrying in %s", decision.Delay)
		if serr := g.sleep(ctx, decision.Delay); serr != nil {
			return nil, rc.Checkpoint()
		}
	}
}

func (g *Gateway) accept(rc *engine.RunContext, resp *client.Response) (*Completion, error) {
	var c Completion
	if err := json.Unmarshal(resp.Result, &c); err != nil {
		return nil, pipeline.NewConfigurationError(
			fmt.Sprintf("provider %s returned a malformed completion", g.cfg.Service), err).
			WithService(g.cfg.Service)
	}

	amount, err := g.cfg.Pricing.Cost(c.Usage)
	if err != nil {
		return nil, pipeline.NewConfigurationError(
			fmt.Sprintf("provider %s reported invalid usage", g.cfg.Service), err).WithService(g.cfg.Service)
	}
	g.metrics.RecordLLMTokens(uint64(c.Usage.InputTokens), uint64(c.Usage.OutputTokens))

	rc.Logger().
		WithField("input_tokens", c.Usage.InputTokens).
		WithField("output_tokens", c.Usage.OutputTokens).
		Debugf("Completion cost %s", amount)

	if err := rc.Charge(amount); err != nil {
		return nil, err
	}
	return &c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

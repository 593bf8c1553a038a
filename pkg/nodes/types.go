package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cogworks/cogworks/pkg/extension/client"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// Caller invokes a method on a registered domain service.
// *client.Client implements it.
type Caller interface {
	Call(ctx context.Context, name pipeline.ServiceName, method string, payload json.RawMessage, timeout time.Duration) (*client.Response, error)
}

// ContentChecker screens external content before it reaches a model.
// *policy.Engine implements it.
type ContentChecker interface {
	CheckContent(ctx context.Context, source, content string) error
}

// Usage is what a service or provider reports it consumed.
type Usage struct {
	InputTokens  pipeline.TokenCount `json:"input_tokens"`
	OutputTokens pipeline.TokenCount `json:"output_tokens"`

	// CostUSD, when present, is charged as is instead of being priced
	// from the token counts.
	CostUSD *float64 `json:"cost_usd,omitempty"`
}

// Pricing converts token counts into dollars.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost prices u. A reported CostUSD takes precedence.
func (p Pricing) Cost(u Usage) (pipeline.TokenCost, error) {
	if u.CostUSD != nil {
		return pipeline.NewTokenCost(*u.CostUSD)
	}
	usd := float64(u.InputTokens)*p.InputPerMTok/1e6 + float64(u.OutputTokens)*p.OutputPerMTok/1e6
	if math.IsNaN(usd) || usd < 0 {
		return pipeline.TokenCost{}, fmt.Errorf("invalid pricing result %v", usd)
	}
	return pipeline.NewTokenCost(usd)
}

// stringParam reads a required string param.
func stringParam(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("param %s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %s must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func optionalBool(params map[string]interface{}, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}

// optionalInt accepts the numeric shapes params take after decoding from
// CUE or JSON.
func optionalInt(params map[string]interface{}, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

package nodes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// LLMCapability is the name under which LLMNode is registered.
const LLMCapability = "llm"

// LLMParamsSchema constrains the params of llm nodes.
const LLMParamsSchema = `close({
	prompt:           string & !=""
	system?:          string
	model?:           string
	max_tokens?:      int & >0
	json_output?:     bool
	include_trigger?: bool
	allowed_paths?:   [...string]
	max_artifacts?:   int & >=0
})
`

// LLMNode asks the model through the Gateway. The trigger payload is sent
// as external content; upstream outputs are sent as context.
//
// With json_output set the reply must be a JSON object. It becomes the
// node's output as is, so edge guards can branch on its fields, and its
// "artifacts" list becomes the node's artifacts.
type LLMNode struct {
	gateway        *Gateway
	prompt         string
	system         string
	model          string
	maxTokens      int
	jsonOutput     bool
	includeTrigger bool
}

// LLMFactory returns a Factory building llm nodes on gw.
func LLMFactory(gw *Gateway) Factory {
	return func(spec engine.NodeSpec) (engine.Node, error) {
		prompt, err := stringParam(spec.Params, "prompt")
		if err != nil {
			return nil, err
		}
		n := &LLMNode{
			gateway:        gw,
			prompt:         prompt,
			system:         optionalString(spec.Params, "system"),
			model:          optionalString(spec.Params, "model"),
			jsonOutput:     optionalBool(spec.Params, "json_output", false),
			includeTrigger: optionalBool(spec.Params, "include_trigger", true),
		}
		if v, ok := optionalInt(spec.Params, "max_tokens"); ok {
			n.maxTokens = v
		}
		return n, nil
	}
}

// LLMCapabilityFor bundles LLMFactory with its params schema.
func LLMCapabilityFor(gw *Gateway) Capability {
	return Capability{
		Name:   LLMCapability,
		Schema: LLMParamsSchema,
		New:    LLMFactory(gw),
	}
}

// Execute builds the request and converts the completion.
func (n *LLMNode) Execute(rc *engine.RunContext, in engine.NodeInput) (*engine.NodeOutput, error) {
	req := CompletionRequest{
		System:    n.system,
		MaxTokens: n.maxTokens,
		Model:     n.model,
	}
	if n.includeTrigger && len(in.Trigger) > 0 {
		req.Messages = append(req.Messages, Message{
			Role:    RoleUser,
			Content: string(in.Trigger),
			Source:  fmt.Sprintf("work item %s", rc.WorkItem()),
		})
	}
	if ctx := upstreamContext(in.Upstream); ctx != "" {
		req.Messages = append(req.Messages, Message{Role: RoleUser, Content: ctx})
	}
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: n.prompt})

	c, err := n.gateway.Complete(rc, req)
	if err != nil {
		return nil, err
	}

	if !n.jsonOutput {
		out, err := json.Marshal(map[string]interface{}{
			"text":        c.Text,
			"stop_reason": c.StopReason,
		})
		if err != nil {
			return nil, err
		}
		return &engine.NodeOutput{Output: out}, nil
	}
	return decodeJSONReply(c.Text)
}

// upstreamContext renders predecessor outputs in node order.
func upstreamContext(upstream map[pipeline.NodeID]json.RawMessage) string {
	if len(upstream) == 0 {
		return ""
	}
	ids := make([]string, 0, len(upstream))
	for id := range upstream {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("Results of earlier steps:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", id, upstream[pipeline.NodeID(id)])
	}
	return b.String()
}

func decodeJSONReply(text string) (*engine.NodeOutput, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, pipeline.NewTransientError("model reply is not a JSON object", err)
	}

	out := &engine.NodeOutput{Output: json.RawMessage(text)}
	if list, ok := obj["artifacts"].([]interface{}); ok {
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, pipeline.NewTransientError(fmt.Sprintf("model reply lists a non-string artifact %v", item), nil)
			}
			p, err := pipeline.NewArtifactPath(s)
			if err != nil {
				return nil, pipeline.NewTransientError("model reply lists an invalid artifact", err)
			}
			out.Artifacts = append(out.Artifacts, p)
		}
	}
	return out, nil
}

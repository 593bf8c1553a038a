package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// ServiceCapability is the name under which ServiceNode is registered.
const ServiceCapability = "service"

// ServiceParamsSchema constrains the params of service nodes.
const ServiceParamsSchema = `close({
	service:        string & !=""
	method:         string & !=""
	allowed_paths?: [...string]
	max_artifacts?: int & >=0
	args?:          {...}
})
`

// ServiceRequest is the payload sent to the service method.
type ServiceRequest struct {
	Run      string                     `json:"run"`
	WorkItem pipeline.WorkItemID        `json:"work_item"`
	Node     pipeline.NodeID            `json:"node"`
	Attempt  int                        `json:"attempt"`
	Args     map[string]interface{}     `json:"args,omitempty"`
	Trigger  json.RawMessage            `json:"trigger,omitempty"`
	Upstream map[string]json.RawMessage `json:"upstream,omitempty"`
}

// ServiceResult is the result the service method returns.
type ServiceResult struct {
	Artifacts   []string              `json:"artifacts,omitempty"`
	Diagnostics []pipeline.Diagnostic `json:"diagnostics,omitempty"`
	Output      json.RawMessage       `json:"output,omitempty"`
	Usage       *Usage                `json:"usage,omitempty"`
}

// ServiceNode delegates a task node to a domain service method. Usage the
// service reports is charged to the run; the artifacts and diagnostics it
// returns become the node's output.
type ServiceNode struct {
	caller  Caller
	service pipeline.ServiceName
	method  string
	args    map[string]interface{}
	pricing Pricing
}

// ServiceFactory returns a Factory building service nodes that call
// through caller. pricing converts reported token counts into dollars
// when the service reports no cost of its own.
func ServiceFactory(caller Caller, pricing Pricing) Factory {
	return func(spec engine.NodeSpec) (engine.Node, error) {
		svc, err := stringParam(spec.Params, "service")
		if err != nil {
			return nil, err
		}
		name, err := pipeline.NewServiceName(svc)
		if err != nil {
			return nil, err
		}
		method, err := stringParam(spec.Params, "method")
		if err != nil {
			return nil, err
		}
		args, _ := spec.Params["args"].(map[string]interface{})
		return &ServiceNode{
			caller:  caller,
			service: name,
			method:  method,
			args:    args,
			pricing: pricing,
		}, nil
	}
}

// ServiceCapabilityFor bundles ServiceFactory with its params schema.
func ServiceCapabilityFor(caller Caller, pricing Pricing) Capability {
	return Capability{
		Name:   ServiceCapability,
		Schema: ServiceParamsSchema,
		New:    ServiceFactory(caller, pricing),
	}
}

// Execute calls the service and converts its result.
func (n *ServiceNode) Execute(rc *engine.RunContext, in engine.NodeInput) (*engine.NodeOutput, error) {
	if err := rc.Checkpoint(); err != nil {
		return nil, err
	}

	req := ServiceRequest{
		Run:      rc.RunID().String(),
		WorkItem: rc.WorkItem(),
		Node:     in.Node.ID,
		Attempt:  in.Attempt,
		Args:     n.args,
		Trigger:  in.Trigger,
	}
	if len(in.Upstream) > 0 {
		req.Upstream = make(map[string]json.RawMessage, len(in.Upstream))
		for id, out := range in.Upstream {
			req.Upstream[string(id)] = out
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode service request: %w", err)
	}

	log := rc.Logger().WithField("service", n.service).WithField("method", n.method)
	log.Debug("Calling domain service")

	resp, err := n.caller.Call(rc.Context(), n.service, n.method, payload, in.Node.Timeout)
	if err != nil {
		return nil, err
	}

	var result ServiceResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, pipeline.NewConfigurationError(
				fmt.Sprintf("service %s returned a malformed %s result", n.service, n.method), err).
				WithService(n.service)
		}
	}

	if result.Usage != nil {
		amount, err := n.pricing.Cost(*result.Usage)
		if err != nil {
			return nil, pipeline.NewConfigurationError(
				fmt.Sprintf("service %s reported invalid usage", n.service), err).WithService(n.service)
		}
		if err := rc.Charge(amount); err != nil {
			return nil, err
		}
	}

	out := &engine.NodeOutput{
		Diagnostics: result.Diagnostics,
		Output:      result.Output,
	}
	for _, a := range result.Artifacts {
		p, err := pipeline.NewArtifactPath(a)
		if err != nil {
			return nil, pipeline.NewConfigurationError(
				fmt.Sprintf("service %s returned an invalid artifact path", n.service), err).WithService(n.service)
		}
		out.Artifacts = append(out.Artifacts, p)
	}

	log.WithField("artifacts", len(out.Artifacts)).Debugf("Domain service returned in %s", resp.Duration)
	return out, nil
}

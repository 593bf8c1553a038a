package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
	"github.com/cogworks/cogworks/pkg/telemetry"
)

var _ engine.OutcomeChecker = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithTelemetry wires logging and metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) {
		if t == nil {
			return
		}
		if t.Logger != nil {
			e.logger = t.Logger.NewComponentLogger("policy")
		}
		e.metrics = t.Metrics
	}
}

// WithLogger sets the logger only.
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.NewComponentLogger("policy")
		}
	}
}

// Engine evaluates the constitution. It holds one compiled generation of
// rules at a time; Apply swaps generations atomically and a failed Apply
// leaves the current one in place.
type Engine struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	current   *generation
	count     int
	lastError string
}

// generation is one compiled rule set.
type generation struct {
	id        int
	rules     []Rule
	settings  Settings
	deny      rego.PreparedEvalQuery
	injection rego.PreparedEvalQuery
	loadedAt  time.Time
}

// NewEngine compiles the built-in rules and returns an engine.
func NewEngine(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{logger: telemetry.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.Apply(ctx, &RuleSet{}); err != nil {
		return nil, err
	}
	return e, nil
}

// Apply compiles the built-in rules together with rs and makes the result
// the current generation.
func (e *Engine) Apply(ctx context.Context, rs *RuleSet) error {
	if rs == nil {
		rs = &RuleSet{}
	}
	rules := append(BuiltinRules(), rs.Rules...)

	gen, err := compile(ctx, rules, rs.Settings)
	if err != nil {
		e.mu.Lock()
		e.lastError = err.Error()
		e.mu.Unlock()
		e.metrics.RecordPolicyReload("error")
		e.logger.WithError(err).Error("Failed to compile constitutional rules")
		return pipeline.NewConstitutionalRulesMissing(err)
	}

	e.mu.Lock()
	e.count++
	gen.id = e.count
	e.current = gen
	e.lastError = ""
	e.mu.Unlock()

	e.metrics.RecordPolicyReload("ok")
	e.logger.WithField("generation", gen.id).WithField("rules", len(rules)).Info("Constitutional rules loaded")
	return nil
}

func compile(ctx context.Context, rules []Rule, settings Settings) (*generation, error) {
	store, err := settingsStore(settings)
	if err != nil {
		return nil, err
	}

	modules := make([]func(*rego.Rego), 0, len(rules))
	for _, r := range rules {
		modules = append(modules, rego.Module(r.Name+".rego", r.Rego))
	}

	prepare := func(query string) (rego.PreparedEvalQuery, error) {
		args := append([]func(*rego.Rego){rego.Query(query), rego.Store(store)}, modules...)
		return rego.New(args...).PrepareForEval(ctx)
	}

	deny, err := prepare(denyQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deny query: %w", err)
	}
	injection, err := prepare(injectionQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare injection query: %w", err)
	}

	return &generation{
		rules:     rules,
		settings:  settings,
		deny:      deny,
		injection: injection,
		loadedAt:  time.Now(),
	}, nil
}

// settingsStore exposes settings as data.cogworks.settings.
func settingsStore(s Settings) (storage.Store, error) {
	doc, err := toDocument(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return inmem.NewFromObject(map[string]interface{}{
		"cogworks": map[string]interface{}{"settings": doc},
	}), nil
}

// toDocument converts v to the plain JSON shapes the evaluator expects.
func toDocument(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadDir loads rules from dir and applies them.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	rs, err := NewLoader(dir, e.logger).Load(ctx)
	if err != nil {
		e.recordFailure(err)
		return pipeline.NewConstitutionalRulesMissing(err)
	}
	return e.Apply(ctx, rs)
}

// Watch reapplies the loader's directory whenever it changes. A broken
// edit is logged and reported in Status; the last good generation stays
// active.
func (e *Engine) Watch(ctx context.Context, loader *Loader) error {
	return loader.Watch(ctx, func(rs *RuleSet, err error) {
		if err != nil {
			e.recordFailure(err)
			e.logger.WithError(err).Warn("Rules reload failed, keeping previous generation")
			return
		}
		_ = e.Apply(ctx, rs)
	})
}

func (e *Engine) recordFailure(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
	e.metrics.RecordPolicyReload("error")
}

// Status reports the current generation.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{LastError: e.lastError}
	if e.current != nil {
		st.Loaded = true
		st.Generation = e.current.id
		st.Rules = append([]Rule(nil), e.current.rules...)
		st.LoadedAt = e.current.loadedAt
	}
	return st
}

// Rules returns the rules of the current generation.
func (e *Engine) Rules() []Rule {
	return e.Status().Rules
}

func (e *Engine) snapshot() *generation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// CheckOutcome evaluates the deny rules against a node's successful
// output. The first protected path violation wins over any scope
// violation.
func (e *Engine) CheckOutcome(ctx context.Context, run *engine.RunSnapshot, node engine.NodeSpec, out *engine.NodeOutput) error {
	gen := e.snapshot()
	if gen == nil {
		e.metrics.RecordPolicyCheck("outcome", "error")
		return pipeline.NewConstitutionalRulesMissing(fmt.Errorf("no rules loaded")).WithNode(node.ID)
	}

	input, err := toDocument(outcomeInput(run, node, out))
	if err != nil {
		e.metrics.RecordPolicyCheck("outcome", "error")
		return pipeline.NewConstitutionalRulesMissing(err).WithNode(node.ID)
	}

	rs, err := gen.deny.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.metrics.RecordPolicyCheck("outcome", "error")
		return pipeline.NewConstitutionalRulesMissing(fmt.Errorf("deny evaluation failed: %w", err)).WithNode(node.ID)
	}

	violations := decodeViolations(rs)
	if len(violations) == 0 {
		e.metrics.RecordPolicyCheck("outcome", "allow")
		return nil
	}
	e.metrics.RecordPolicyCheck("outcome", "deny")

	v := violations[0]
	e.logger.WithNode(string(node.ID)).
		WithField("code", string(v.Code)).
		WithField("violations", len(violations)).
		Warnf("Outcome denied: %s", v.Message)

	var perr *pipeline.Error
	switch v.Code {
	case CodeProtectedPath:
		perr = pipeline.NewProtectedPathViolation(pipeline.ArtifactPath(v.Path))
	case CodeScope:
		perr = pipeline.NewScopeViolation(v.Message)
	default:
		perr = pipeline.NewPipelineHalt(v.Message).WithDetail("code", string(v.Code))
	}
	perr = perr.WithNode(node.ID).WithDetail("reason", v.Message)
	if len(violations) > 1 {
		perr = perr.WithDetail("violations", len(violations))
	}
	return perr
}

func outcomeInput(run *engine.RunSnapshot, node engine.NodeSpec, out *engine.NodeOutput) OutcomeInput {
	in := OutcomeInput{
		Node: NodeInput{
			ID:         string(node.ID),
			Capability: node.Capability,
			Params:     node.Params,
		},
		Artifacts: []string{},
	}
	if run != nil {
		in.Run = RunInput{
			ID:       run.ID.String(),
			WorkItem: uint64(run.WorkItem),
			Pipeline: string(run.Pipeline),
		}
		in.Trigger = decodeJSON(run.Trigger)
	}
	if out == nil {
		return in
	}
	for _, a := range out.Artifacts {
		in.Artifacts = append(in.Artifacts, string(a))
	}
	for _, d := range out.Diagnostics {
		di := DiagnosticInput{
			Severity: string(d.Severity),
			Category: string(d.Category),
			Message:  d.Message,
		}
		if d.Artifact != nil {
			di.Artifact = string(*d.Artifact)
		}
		in.Diagnostics = append(in.Diagnostics, di)
	}
	in.Output = decodeJSON(out.Output)
	return in
}

// decodeViolations reads the deny set, ordering protected path results
// first and then by path and message.
func decodeViolations(rs rego.ResultSet) []Violation {
	var out []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			items, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range items {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				v := Violation{}
				if s, ok := m["code"].(string); ok {
					v.Code = ViolationCode(s)
				}
				if s, ok := m["message"].(string); ok {
					v.Message = s
				}
				if s, ok := m["path"].(string); ok {
					v.Path = s
				}
				if v.Message == "" {
					v.Message = fmt.Sprintf("%v", item)
				}
				out = append(out, v)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Code == CodeProtectedPath, out[j].Code == CodeProtectedPath
		if pi != pj {
			return pi
		}
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// CheckContent scans external content for injected directives before it
// reaches a model.
func (e *Engine) CheckContent(ctx context.Context, source, content string) error {
	if content == "" {
		return nil
	}
	gen := e.snapshot()
	if gen == nil {
		e.metrics.RecordPolicyCheck("content", "error")
		return pipeline.NewConstitutionalRulesMissing(fmt.Errorf("no rules loaded"))
	}

	input, err := toDocument(ContentInput{Source: source, Content: content})
	if err != nil {
		e.metrics.RecordPolicyCheck("content", "error")
		return pipeline.NewConstitutionalRulesMissing(err)
	}

	rs, err := gen.injection.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.metrics.RecordPolicyCheck("content", "error")
		return pipeline.NewConstitutionalRulesMissing(fmt.Errorf("injection evaluation failed: %w", err))
	}

	var matches []string
	for _, r := range rs {
		for _, expr := range r.Expressions {
			items, _ := expr.Value.([]interface{})
			for _, item := range items {
				if s, ok := item.(string); ok && s != "" {
					matches = append(matches, s)
				}
			}
		}
	}
	if len(matches) == 0 {
		e.metrics.RecordPolicyCheck("content", "allow")
		return nil
	}
	sort.Strings(matches)

	e.metrics.RecordPolicyCheck("content", "deny")
	e.logger.WithField("source", source).WithField("matches", len(matches)).Warn("Injection detected in external content")
	return pipeline.NewInjectionDetected(source, matches[0])
}

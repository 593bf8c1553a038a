package nodes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

var _ engine.NodeResolver = (*Registry)(nil)

// Factory builds the implementation of one task node. It validates the
// node's params and returns a configuration error when they are unusable.
type Factory func(spec engine.NodeSpec) (engine.Node, error)

// Capability is a named node implementation.
type Capability struct {
	Name string

	// Schema is an optional CUE schema for the node's params.
	Schema string

	New Factory
}

// SchemaRegistrar accepts params schemas, normally the pipeline loader's
// schema registry.
type SchemaRegistrar interface {
	RegisterParams(capability, schema string) error
}

// Registry maps capability names to implementations and resolves pipeline
// nodes against them.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability

	// allowed limits Resolve to a subset of the registered capabilities.
	// Empty means all.
	allowed map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
		allowed:      make(map[string]bool),
	}
}

// Register adds a capability. Names are unique.
func (r *Registry) Register(c Capability) error {
	if c.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if c.New == nil {
		return fmt.Errorf("capability %s has no factory", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[c.Name]; exists {
		return fmt.Errorf("capability %s already registered", c.Name)
	}
	r.capabilities[c.Name] = c
	return nil
}

// RegisterFunc adds a capability backed by a plain function, with no
// params schema.
func (r *Registry) RegisterFunc(name string, fn engine.NodeFunc) error {
	return r.Register(Capability{
		Name: name,
		New:  func(engine.NodeSpec) (engine.Node, error) { return fn, nil },
	})
}

// SetAllowedCapabilities restricts which registered capabilities a
// pipeline may use.
func (r *Registry) SetAllowedCapabilities(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		r.allowed[n] = true
	}
}

// Capabilities returns the registered names in order.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedKeys(r.capabilities)
}

// RegisterSchemas hands every params schema to sr.
func (r *Registry) RegisterSchemas(sr SchemaRegistrar) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.capabilities) {
		c := r.capabilities[name]
		if c.Schema == "" {
			continue
		}
		if err := sr.RegisterParams(name, c.Schema); err != nil {
			return err
		}
	}
	return nil
}

// Resolve binds spec to its capability.
func (r *Registry) Resolve(spec engine.NodeSpec) (engine.Node, error) {
	r.mu.RLock()
	c, ok := r.capabilities[spec.Capability]
	permitted := len(r.allowed) == 0 || r.allowed[spec.Capability]
	r.mu.RUnlock()

	if !ok {
		return nil, pipeline.NewConfigurationError(
			fmt.Sprintf("node %s uses unknown capability %q", spec.ID, spec.Capability), nil).
			WithCode(pipeline.CodeCapabilityMissing).
			WithNode(spec.ID)
	}
	if !permitted {
		return nil, pipeline.NewConfigurationError(
			fmt.Sprintf("capability %q is not allowed for node %s", spec.Capability, spec.ID), nil).
			WithNode(spec.ID)
	}

	node, err := c.New(spec)
	if err != nil {
		if _, ok := pipeline.AsError(err); ok {
			return nil, err
		}
		return nil, pipeline.NewConfigurationError(
			fmt.Sprintf("node %s: %v", spec.ID, err), err).WithNode(spec.ID)
	}
	return node, nil
}

func sortedKeys(m map[string]Capability) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

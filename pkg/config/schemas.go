package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

const (
	schemaFilename     = "cogworks-schema.cue"
	paramsSchemaSuffix = ".params.cue"
)

// SchemaRegistry holds the pipeline schema and the optional per-capability
// params schemas. All values share the loader's cue.Context so they can be
// unified with loaded files.
type SchemaRegistry struct {
	ctx      *cue.Context
	pipeline cue.Value
	params   map[string]cue.Value
	mu       sync.RWMutex
}

// NewSchemaRegistry compiles the built-in pipeline schema in ctx.
func NewSchemaRegistry(ctx *cue.Context) (*SchemaRegistry, error) {
	val := ctx.CompileString(builtinPipelineSchema, cue.Filename(schemaFilename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile pipeline schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Pipeline"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("pipeline schema has no #Pipeline: %w", err)
	}
	return &SchemaRegistry{
		ctx:      ctx,
		pipeline: def,
		params:   make(map[string]cue.Value),
	}, nil
}

// Pipeline returns the #Pipeline definition.
func (sr *SchemaRegistry) Pipeline() cue.Value {
	return sr.pipeline
}

// RegisterParams registers a CUE schema that the params of every node with
// the given capability must satisfy. The schema source must evaluate to a
// struct; wrap it in close({...}) to reject unknown params.
func (sr *SchemaRegistry) RegisterParams(capability, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(capability+paramsSchemaSuffix))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile params schema for %s: %w", capability, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.params[capability] = val
	return nil
}

// Params returns the params schema of a capability.
func (sr *SchemaRegistry) Params(capability string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.params[capability]
	return val, ok
}

// Capabilities lists the capabilities that have a params schema.
func (sr *SchemaRegistry) Capabilities() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.params))
	for name := range sr.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateParams checks params against the capability's schema. Capabilities
// without a schema accept anything.
func (sr *SchemaRegistry) ValidateParams(capability string, params cue.Value) error {
	schema, ok := sr.Params(capability)
	if !ok {
		return nil
	}
	return schema.Unify(params).Validate(cue.Concrete(true))
}

const builtinPipelineSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Identifier: string & =~"^[A-Za-z0-9][A-Za-z0-9_.-]*$"

#Pipeline: {
	// Name identifies the pipeline in runs and telemetry.
	name: #Identifier

	// Nodes are keyed by node id.
	nodes: {[#Identifier]: #Node}

	edges: [...#Edge] | *[]
}

#Node: {
	kind:        *"task" | "human_gate"
	capability?: #Identifier
	join:        *"all" | "any"
	timeout?:    #Duration
	params?: {...}
}

#Edge: {
	id?:    #Identifier
	from:   #Identifier
	to:     #Identifier
	guard?: string & !=""
}
`

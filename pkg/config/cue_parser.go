package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

// PipelineLoader parses CUE pipeline definitions into engine graphs.
type PipelineLoader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewPipelineLoader creates a loader with the built-in pipeline schema.
func NewPipelineLoader() (*PipelineLoader, error) {
	ctx := cuecontext.New()
	schemas, err := NewSchemaRegistry(ctx)
	if err != nil {
		return nil, err
	}
	return &PipelineLoader{
		ctx:       ctx,
		schemas:   schemas,
		validator: validator.New(),
	}, nil
}

// Schemas returns the loader's schema registry.
func (pl *PipelineLoader) Schemas() *SchemaRegistry {
	return pl.schemas
}

// Load reads a pipeline from a .cue file or from a directory holding one
// CUE package, and builds the graph.
func (pl *PipelineLoader) Load(path string) (*engine.Graph, error) {
	def, err := pl.Parse(path)
	if err != nil {
		return nil, err
	}
	return def.Build()
}

// Parse reads and validates a pipeline definition without building it.
func (pl *PipelineLoader) Parse(path string) (*PipelineDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, pipeline.NewConfigurationError(fmt.Sprintf("pipeline %s", path), err)
	}

	var (
		val   cue.Value
		files []string
	)
	if info.IsDir() {
		val, files, err = pl.loadDirectory(path)
	} else {
		val, err = pl.loadFile(path)
		files = []string{path}
	}
	if err != nil {
		return nil, err
	}

	def, err := pl.extract(val)
	if err != nil {
		return nil, err
	}
	def.SourceFiles = files
	return def, nil
}

// ParseInline parses pipeline CUE held in memory. filename is used in
// error positions.
func (pl *PipelineLoader) ParseInline(filename, content string) (*PipelineDefinition, error) {
	val := pl.ctx.CompileString(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, invalidPipeline(convertCUEErrors(err))
	}
	def, err := pl.extract(val)
	if err != nil {
		return nil, err
	}
	def.SourceFiles = []string{filename}
	return def, nil
}

func (pl *PipelineLoader) loadDirectory(dir string) (cue.Value, []string, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, nil, invalidPipeline(ValidationErrors{{File: dir, Message: "no CUE files found"}})
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, invalidPipeline(convertCUEErrors(inst.Err))
	}

	val := pl.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, invalidPipeline(convertCUEErrors(err))
	}

	var files []string
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	return val, files, nil
}

func (pl *PipelineLoader) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, pipeline.NewConfigurationError(fmt.Sprintf("read pipeline %s", path), err)
	}

	val := pl.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, invalidPipeline(convertCUEErrors(err))
	}
	return val, nil
}

// extract unifies val with #Pipeline and decodes nodes in declaration
// order. All schema problems are collected before returning. Positions are
// looked up in val, not in the unified value, so they point into the
// loaded files.
func (pl *PipelineLoader) extract(val cue.Value) (*PipelineDefinition, error) {
	unified := pl.schemas.Pipeline().Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, invalidPipeline(convertCUEErrors(err))
	}

	def := &PipelineDefinition{}
	var errs ValidationErrors

	name, err := unified.LookupPath(cue.ParsePath("name")).String()
	if err != nil {
		errs = append(errs, positioned(val.LookupPath(cue.ParsePath("name")).Pos(), "name", err.Error()))
	}
	def.Name = name

	iter, err := unified.LookupPath(cue.ParsePath("nodes")).Fields()
	if err != nil {
		return nil, invalidPipeline(convertCUEErrors(err))
	}
	for iter.Next() {
		src := val.LookupPath(cue.MakePath(cue.Str("nodes"), iter.Selector()))
		node, nodeErrs := pl.extractNode(iter.Selector().Unquoted(), iter.Value(), src)
		errs = append(errs, nodeErrs...)
		def.Nodes = append(def.Nodes, node)
	}

	list, err := unified.LookupPath(cue.ParsePath("edges")).List()
	if err != nil {
		return nil, invalidPipeline(convertCUEErrors(err))
	}
	for i := 0; list.Next(); i++ {
		path := fmt.Sprintf("edges[%d]", i)
		src := val.LookupPath(cue.MakePath(cue.Str("edges"), cue.Index(i)))

		var raw edgeDef
		if err := list.Value().Decode(&raw); err != nil {
			errs = append(errs, positioned(src.Pos(), path, err.Error()))
			continue
		}
		edge := engine.EdgeSpec{
			ID:    pipeline.EdgeID(raw.ID),
			From:  pipeline.NodeID(raw.From),
			To:    pipeline.NodeID(raw.To),
			Guard: raw.Guard,
		}
		if edge.Guard != "" {
			if err := CompileGuard(edge.Guard); err != nil {
				errs = append(errs, positioned(src.LookupPath(cue.ParsePath("guard")).Pos(), path+".guard", err.Error()))
			}
		}
		if err := pl.validator.Struct(edge); err != nil {
			errs = append(errs, positioned(src.Pos(), path, err.Error()))
		}
		def.Edges = append(def.Edges, edge)
	}

	if len(errs) > 0 {
		return nil, invalidPipeline(errs)
	}
	return def, nil
}

type nodeDef struct {
	Kind       string                 `json:"kind"`
	Capability string                 `json:"capability"`
	Join       string                 `json:"join"`
	Timeout    string                 `json:"timeout"`
	Params     map[string]interface{} `json:"params"`
}

type edgeDef struct {
	ID    string `json:"id"`
	From  string `json:"from"`
	To    string `json:"to"`
	Guard string `json:"guard"`
}

// extractNode decodes the unified node v. src is the same node in the
// loaded file and supplies error positions.
func (pl *PipelineLoader) extractNode(id string, v, src cue.Value) (engine.NodeSpec, ValidationErrors) {
	path := "nodes." + id
	var raw nodeDef
	if err := v.Decode(&raw); err != nil {
		return engine.NodeSpec{}, ValidationErrors{positioned(src.Pos(), path, err.Error())}
	}

	spec := engine.NodeSpec{
		ID:         pipeline.NodeID(id),
		Kind:       engine.NodeKind(raw.Kind),
		Capability: raw.Capability,
		Join:       engine.JoinMode(raw.Join),
		Params:     raw.Params,
	}

	var errs ValidationErrors
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil || d <= 0 {
			errs = append(errs, positioned(src.LookupPath(cue.ParsePath("timeout")).Pos(), path+".timeout",
				fmt.Sprintf("invalid timeout %q", raw.Timeout)))
		}
		spec.Timeout = d
	}
	if spec.Kind == engine.NodeKindTask && spec.Capability == "" {
		errs = append(errs, positioned(src.Pos(), path, "task node requires a capability"))
	}
	if spec.Kind == engine.NodeKindHumanGate && spec.Capability != "" {
		errs = append(errs, positioned(src.LookupPath(cue.ParsePath("capability")).Pos(), path+".capability",
			"human gates have no capability"))
	}
	if spec.Capability != "" {
		params := v.LookupPath(cue.ParsePath("params"))
		if !params.Exists() {
			params = pl.ctx.CompileString("{}")
		}
		if err := pl.schemas.ValidateParams(spec.Capability, params); err != nil {
			for _, e := range convertCUEErrors(err) {
				if e.File == "" {
					e.File, e.Line, e.Column = filePos(src)
				}
				e.Path = path + ".params"
				errs = append(errs, e)
			}
		}
	}
	if err := pl.validator.Struct(spec); err != nil {
		errs = append(errs, positioned(src.Pos(), path, err.Error()))
	}
	return spec, errs
}

func filePos(v cue.Value) (string, int, int) {
	pos := v.Pos()
	if !pos.IsValid() {
		return "", 0, 0
	}
	return pos.Filename(), pos.Line(), pos.Column()
}

func invalidPipeline(errs ValidationErrors) error {
	return pipeline.NewConfigurationError("invalid pipeline definition", errs)
}

// Build validates the graph structure and returns the engine graph.
func (d *PipelineDefinition) Build() (*engine.Graph, error) {
	return engine.BuildGraph(pipeline.PipelineName(d.Name), d.Nodes, d.Edges)
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

func newLoader(t *testing.T) *PipelineLoader {
	t.Helper()
	pl, err := NewPipelineLoader()
	if err != nil {
		t.Fatalf("NewPipelineLoader: %v", err)
	}
	return pl
}

func validationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	if !pipeline.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors in %v", err)
	}
	return verrs
}

const samplePipeline = `
name: "default"

nodes: {
	intake: {capability: "intake", timeout: "5m"}
	review: {kind: "human_gate"}
	implement: {
		capability: "implement"
		join:       "any"
		params: {model: "large", strict: true}
	}
}

edges: [
	{from: "intake", to: "review"},
	{from: "review", to: "implement", guard: "get(output, 'decision') == 'approved'"},
]
`

func TestPipelineLoader_ParseInline(t *testing.T) {
	pl := newLoader(t)

	def, err := pl.ParseInline("pipeline.cue", samplePipeline)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if def.Name != "default" {
		t.Errorf("expected name default, got %s", def.Name)
	}
	if len(def.Nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(def.Nodes))
	}

	wantOrder := []pipeline.NodeID{"intake", "review", "implement"}
	for i, id := range wantOrder {
		if def.Nodes[i].ID != id {
			t.Errorf("node %d: expected %s, got %s", i, id, def.Nodes[i].ID)
		}
	}

	intake := def.Nodes[0]
	if intake.Kind != engine.NodeKindTask || intake.Join != engine.JoinAll {
		t.Errorf("expected defaults task/all, got %s/%s", intake.Kind, intake.Join)
	}
	if intake.Timeout != 5*time.Minute {
		t.Errorf("expected 5m timeout, got %v", intake.Timeout)
	}
	if def.Nodes[1].Kind != engine.NodeKindHumanGate {
		t.Errorf("expected human gate, got %s", def.Nodes[1].Kind)
	}
	impl := def.Nodes[2]
	if impl.Join != engine.JoinAny {
		t.Errorf("expected join any, got %s", impl.Join)
	}
	if impl.Params["model"] != "large" || impl.Params["strict"] != true {
		t.Errorf("unexpected params: %v", impl.Params)
	}

	if len(def.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(def.Edges))
	}
	if def.Edges[1].Guard == "" {
		t.Error("expected guard on second edge")
	}

	g, err := def.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := g.StartNodes(); len(got) != 1 || got[0] != "intake" {
		t.Errorf("expected start node intake, got %v", got)
	}
}

func TestPipelineLoader_SchemaErrors(t *testing.T) {
	pl := newLoader(t)

	tests := []struct {
		name     string
		content  string
		wantLine int
		wantMsg  string
	}{
		{
			name: "unknown node field",
			content: `name: "p"
nodes: {
	a: {capability: "x", retries: 3}
}
`,
			wantLine: 3,
			wantMsg:  "not allowed",
		},
		{
			name: "bad kind",
			content: `name: "p"
nodes: {
	a: {kind: "script", capability: "x"}
}
`,
			wantLine: 3,
		},
		{
			name: "malformed duration",
			content: `name: "p"
nodes: {
	a: {capability: "x", timeout: "soon"}
}
`,
			wantLine: 3,
		},
		{
			name: "task without capability",
			content: `name: "p"
nodes: {
	a: {}
}
`,
			wantLine: 3,
			wantMsg:  "requires a capability",
		},
		{
			name: "bad guard syntax",
			content: `name: "p"
nodes: {
	a: {capability: "x"}
	b: {capability: "y"}
}
edges: [
	{from: "a", to: "b", guard: "output ==="},
]
`,
			wantLine: 7,
		},
		{
			name: "syntax error",
			content: `name: "p"
nodes: {
	a: {capability: "x"
`,
			wantMsg: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pl.ParseInline("bad.cue", tt.content)
			if err == nil {
				t.Fatal("expected error, got none")
			}
			verrs := validationErrors(t, err)
			if len(verrs) == 0 {
				t.Fatal("expected at least one validation error")
			}

			found := false
			for _, ve := range verrs {
				if ve.File != "bad.cue" {
					continue
				}
				if tt.wantLine > 0 && ve.Line != tt.wantLine {
					continue
				}
				if tt.wantMsg != "" && !strings.Contains(ve.Message, tt.wantMsg) {
					continue
				}
				found = true
			}
			if !found {
				t.Errorf("no error at bad.cue:%d containing %q in %v", tt.wantLine, tt.wantMsg, verrs)
			}
		})
	}
}

func TestPipelineLoader_GraphErrors(t *testing.T) {
	pl := newLoader(t)

	tests := []struct {
		name    string
		content string
	}{
		{
			name: "cycle",
			content: `name: "p"
nodes: {
	a: {capability: "x"}
	b: {capability: "y"}
}
edges: [{from: "a", to: "b"}, {from: "b", to: "a"}]
`,
		},
		{
			name: "dangling edge",
			content: `name: "p"
nodes: {a: {capability: "x"}}
edges: [{from: "a", to: "missing"}]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := pl.ParseInline("p.cue", tt.content)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if _, err := def.Build(); !pipeline.IsConfiguration(err) {
				t.Errorf("expected configuration error from Build, got %v", err)
			}
		})
	}
}

func TestPipelineLoader_ParamsSchema(t *testing.T) {
	pl := newLoader(t)
	if err := pl.Schemas().RegisterParams("implement", `close({
	model:   "small" | "large"
	strict?: bool
})`); err != nil {
		t.Fatalf("RegisterParams: %v", err)
	}

	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{name: "valid", params: `{model: "large"}`},
		{name: "wrong value", params: `{model: "huge"}`, wantErr: true},
		{name: "unknown field", params: `{model: "small", temperature: 1}`, wantErr: true},
		{name: "missing required", params: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := `name: "p"
nodes: {impl: {capability: "implement", params: ` + tt.params + `}}
`
			_, err := pl.ParseInline("params.cue", src)
			if tt.wantErr {
				verrs := validationErrors(t, err)
				if verrs[0].Path != "nodes.impl.params" {
					t.Errorf("expected path nodes.impl.params, got %q", verrs[0].Path)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	if got := pl.Schemas().Capabilities(); len(got) != 1 || got[0] != "implement" {
		t.Errorf("unexpected capabilities: %v", got)
	}
}

func TestPipelineLoader_LoadFileAndDirectory(t *testing.T) {
	pl := newLoader(t)
	dir := t.TempDir()

	file := filepath.Join(dir, "pipeline.cue")
	if err := os.WriteFile(file, []byte(samplePipeline), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	g, err := pl.Load(file)
	if err != nil {
		t.Fatalf("Load file: %v", err)
	}
	if g.Name() != "default" || len(g.Nodes()) != 3 {
		t.Errorf("unexpected graph %s with %d nodes", g.Name(), len(g.Nodes()))
	}

	pkgDir := filepath.Join(dir, "pkg")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	parts := map[string]string{
		"nodes.cue": `package cogworks
name: "split"
nodes: {
	a: {capability: "x"}
	b: {capability: "y"}
}
`,
		"edges.cue": `package cogworks
edges: [{from: "a", to: "b"}]
`,
	}
	for name, content := range parts {
		if err := os.WriteFile(filepath.Join(pkgDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	def, err := pl.Parse(pkgDir)
	if err != nil {
		t.Fatalf("Parse directory: %v", err)
	}
	if def.Name != "split" || len(def.Nodes) != 2 || len(def.Edges) != 1 {
		t.Errorf("unexpected definition: %+v", def)
	}
	if len(def.SourceFiles) != 2 {
		t.Errorf("expected 2 source files, got %v", def.SourceFiles)
	}

	if _, err := pl.Load(filepath.Join(dir, "missing.cue")); !pipeline.IsConfiguration(err) {
		t.Errorf("expected configuration error for missing file, got %v", err)
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  ValidationError
		want string
	}{
		{
			name: "positioned",
			err:  ValidationError{File: "p.cue", Line: 3, Column: 5, Path: "nodes.a", Message: "bad"},
			want: "p.cue:3:5: nodes.a: bad",
		},
		{
			name: "path only",
			err:  ValidationError{Path: "retry.max_attempts", Message: "is required"},
			want: "retry.max_attempts: is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

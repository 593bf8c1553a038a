package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

const vendorRule = `# Vendored code is read-only.
# Changes go upstream.
package cogworks.constitution

import rego.v1

deny contains {"code": "scope", "message": "vendor is read-only", "path": p} if {
	some p in input.artifacts
	startswith(p, "vendor/")
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "vendor.rego"), vendorRule)
	writeFile(t, filepath.Join(dir, "extra", "docs.rego"), "package cogworks.constitution\n")
	writeFile(t, filepath.Join(dir, "README.md"), "not a rule")
	writeFile(t, filepath.Join(dir, "settings.yaml"), "protected_paths:\n  - secrets/\ninjection_patterns:\n  - 'rm -rf'\n")

	rs, err := NewLoader(dir, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(rs.Rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rs.Rules))
	}
	if rs.Rules[0].Name != "extra/docs" || rs.Rules[1].Name != "vendor" {
		t.Errorf("rule names = %s, %s", rs.Rules[0].Name, rs.Rules[1].Name)
	}
	if got := rs.Rules[1].Description; got != "Vendored code is read-only. Changes go upstream." {
		t.Errorf("description = %q", got)
	}
	if len(rs.Settings.ProtectedPaths) != 1 || rs.Settings.ProtectedPaths[0] != "secrets/" {
		t.Errorf("protected paths = %v", rs.Settings.ProtectedPaths)
	}
	if len(rs.Settings.InjectionPatterns) != 1 {
		t.Errorf("injection patterns = %v", rs.Settings.InjectionPatterns)
	}
}

func TestLoader_Load_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
	}{
		{
			name:  "missing directory",
			setup: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") },
		},
		{
			name: "file instead of directory",
			setup: func(t *testing.T) string {
				p := filepath.Join(t.TempDir(), "rules")
				writeFile(t, p, "x")
				return p
			},
		},
		{
			name: "bad settings",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, filepath.Join(dir, "settings.json"), "{not json")
				return dir
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader(tt.setup(t), nil).Load(context.Background()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{content: "# one\n# two\npackage x", want: "one two"},
		{content: "\n\n# after blank\npackage x", want: "after blank"},
		{content: "package x\n# late comment", want: ""},
		{content: "#\n# spaced\n", want: "spaced"},
	}
	for _, tt := range tests {
		if got := extractDescription(tt.content); got != tt.want {
			t.Errorf("extractDescription(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestEngine_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "vendor.rego"), vendorRule)

	e := newTestEngine(t)
	if err := e.LoadDir(context.Background(), dir); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	err := e.CheckOutcome(context.Background(), nil, engine.NodeSpec{ID: "n"}, artifacts("vendor/lib.go"))
	if pe, ok := pipeline.AsError(err); !ok || pe.Code != pipeline.CodeScopeViolation {
		t.Errorf("CheckOutcome() error = %v", err)
	}

	err = e.LoadDir(context.Background(), filepath.Join(dir, "missing"))
	if pe, ok := pipeline.AsError(err); !ok || pe.Code != pipeline.CodeConstitutionalRulesMissing {
		t.Errorf("LoadDir(missing) error = %v", err)
	}
	if e.Status().Generation != 2 {
		t.Errorf("failed load must keep generation 2, got %d", e.Status().Generation)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEngine_Watch(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestEngine(t)
	if err := e.LoadDir(ctx, dir); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	loader := NewLoader(dir, nil)
	loader.reloadDelay = 10 * time.Millisecond
	if err := e.Watch(ctx, loader); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writeFile(t, filepath.Join(dir, "vendor.rego"), vendorRule)
	waitFor(t, func() bool { return e.Status().Generation >= 3 })

	err := e.CheckOutcome(ctx, nil, engine.NodeSpec{ID: "n"}, artifacts("vendor/lib.go"))
	if pe, ok := pipeline.AsError(err); !ok || pe.Code != pipeline.CodeScopeViolation {
		t.Fatalf("new rule not active: %v", err)
	}

	// A broken edit keeps the last good generation.
	gen := e.Status().Generation
	writeFile(t, filepath.Join(dir, "broken.rego"), "package cogworks.constitution\n\ndeny contains x if {")
	waitFor(t, func() bool { return e.Status().LastError != "" })

	if got := e.Status().Generation; got != gen {
		t.Errorf("generation = %d, want %d", got, gen)
	}
	err = e.CheckOutcome(ctx, nil, engine.NodeSpec{ID: "n"}, artifacts("vendor/lib.go"))
	if pe, ok := pipeline.AsError(err); !ok || pe.Code != pipeline.CodeScopeViolation {
		t.Errorf("previous rules not serving: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "broken.rego")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitFor(t, func() bool { return e.Status().LastError == "" })
}

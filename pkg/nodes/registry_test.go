package nodes

import (
	"errors"
	"reflect"
	"testing"

	"github.com/cogworks/cogworks/pkg/engine"
	"github.com/cogworks/cogworks/pkg/pipeline"
)

type recordingRegistrar struct {
	schemas map[string]string
	err     error
}

func (r *recordingRegistrar) RegisterParams(capability, schema string) error {
	if r.err != nil {
		return r.err
	}
	if r.schemas == nil {
		r.schemas = make(map[string]string)
	}
	r.schemas[capability] = schema
	return nil
}

func noop(*engine.RunContext, engine.NodeInput) (*engine.NodeOutput, error) {
	return &engine.NodeOutput{}, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	if err := r.RegisterFunc("echo", noop); err != nil {
		t.Fatalf("RegisterFunc() error = %v", err)
	}
	if err := r.RegisterFunc("echo", noop); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register(Capability{Name: "", New: ServiceFactory(nil, Pricing{})}); err == nil {
		t.Error("expected empty name to fail")
	}
	if err := r.Register(Capability{Name: "nofactory"}); err == nil {
		t.Error("expected missing factory to fail")
	}
	if err := r.Register(ServiceCapabilityFor(&fakeCaller{}, Pricing{})); err != nil {
		t.Fatalf("Register(service) error = %v", err)
	}

	if got, want := r.Capabilities(), []string{"echo", "service"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Capabilities() = %v, want %v", got, want)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterFunc("echo", noop); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ServiceCapabilityFor(&fakeCaller{}, Pricing{})); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		spec     engine.NodeSpec
		wantCode string
	}{
		{name: "plain func", spec: engine.NodeSpec{ID: "a", Capability: "echo"}},
		{
			name: "service with params",
			spec: engine.NodeSpec{ID: "b", Capability: "service", Params: map[string]interface{}{"service": "git", "method": "apply"}},
		},
		{name: "unknown capability", spec: engine.NodeSpec{ID: "c", Capability: "deploy"}, wantCode: pipeline.CodeCapabilityMissing},
		{
			name:     "service missing method",
			spec:     engine.NodeSpec{ID: "d", Capability: "service", Params: map[string]interface{}{"service": "git"}},
			wantCode: pipeline.CodeConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := r.Resolve(tt.spec)
			if tt.wantCode == "" {
				if err != nil || node == nil {
					t.Fatalf("Resolve() = %v, %v", node, err)
				}
				return
			}
			pe, ok := pipeline.AsError(err)
			if !ok || pe.Code != tt.wantCode {
				t.Fatalf("Resolve() error = %v, want %s", err, tt.wantCode)
			}
			if pe.Node != tt.spec.ID {
				t.Errorf("node = %q, want %q", pe.Node, tt.spec.ID)
			}
			if !pipeline.IsConfiguration(err) {
				t.Errorf("expected configuration kind")
			}
		})
	}
}

func TestRegistry_AllowedCapabilities(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterFunc("echo", noop)
	_ = r.RegisterFunc("shell", noop)
	r.SetAllowedCapabilities([]string{"echo"})

	if _, err := r.Resolve(engine.NodeSpec{ID: "a", Capability: "echo"}); err != nil {
		t.Errorf("allowed capability rejected: %v", err)
	}
	if _, err := r.Resolve(engine.NodeSpec{ID: "b", Capability: "shell"}); !pipeline.IsConfiguration(err) {
		t.Errorf("disallowed capability error = %v", err)
	}
}

func TestRegistry_RegisterSchemas(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterFunc("echo", noop)
	_ = r.Register(ServiceCapabilityFor(&fakeCaller{}, Pricing{}))

	rec := &recordingRegistrar{}
	if err := r.RegisterSchemas(rec); err != nil {
		t.Fatalf("RegisterSchemas() error = %v", err)
	}
	if len(rec.schemas) != 1 || rec.schemas["service"] != ServiceParamsSchema {
		t.Errorf("schemas = %v", rec.schemas)
	}

	boom := errors.New("boom")
	if err := r.RegisterSchemas(&recordingRegistrar{err: boom}); !errors.Is(err, boom) {
		t.Errorf("RegisterSchemas() error = %v, want boom", err)
	}
}

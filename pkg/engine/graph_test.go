package engine

import (
	"strings"
	"testing"

	"github.com/cogworks/cogworks/pkg/pipeline"
)

func task(id string) NodeSpec {
	return NodeSpec{ID: pipeline.NodeID(id), Capability: id}
}

func gate(id string) NodeSpec {
	return NodeSpec{ID: pipeline.NodeID(id), Kind: NodeKindHumanGate}
}

func edge(from, to string) EdgeSpec {
	return EdgeSpec{From: pipeline.NodeID(from), To: pipeline.NodeID(to)}
}

func TestBuildGraph_Validation(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []NodeSpec
		edges   []EdgeSpec
		wantErr string
	}{
		{
			name:  "linear",
			nodes: []NodeSpec{task("a"), task("b")},
			edges: []EdgeSpec{edge("a", "b")},
		},
		{
			name:    "no nodes",
			wantErr: "has no nodes",
		},
		{
			name:    "duplicate node",
			nodes:   []NodeSpec{task("a"), task("a")},
			wantErr: "duplicate node id: a",
		},
		{
			name:    "missing edge target",
			nodes:   []NodeSpec{task("a")},
			edges:   []EdgeSpec{edge("a", "ghost")},
			wantErr: "non-existent node ghost",
		},
		{
			name:    "self loop",
			nodes:   []NodeSpec{task("a")},
			edges:   []EdgeSpec{edge("a", "a")},
			wantErr: "depends on itself",
		},
		{
			name:    "cycle",
			nodes:   []NodeSpec{task("a"), task("b"), task("c")},
			edges:   []EdgeSpec{edge("a", "b"), edge("b", "c"), edge("c", "b")},
			wantErr: "circular dependency detected",
		},
		{
			name:    "task without capability",
			nodes:   []NodeSpec{{ID: "a"}},
			wantErr: "has no capability",
		},
		{
			name:    "bad join",
			nodes:   []NodeSpec{{ID: "a", Capability: "a", Join: "some"}},
			wantErr: "invalid join mode",
		},
		{
			name:    "duplicate edge",
			nodes:   []NodeSpec{task("a"), task("b")},
			edges:   []EdgeSpec{edge("a", "b"), edge("a", "b")},
			wantErr: "duplicate edge id",
		},
		{
			name:  "gate needs no capability",
			nodes: []NodeSpec{task("a"), gate("approve")},
			edges: []EdgeSpec{edge("a", "approve")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph("test", tt.nodes, tt.edges)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("BuildGraph() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("BuildGraph() expected error containing %q", tt.wantErr)
			}
			if !pipeline.IsConfiguration(err) {
				t.Errorf("error kind = %v, want configuration", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestGraph_LevelsAndNeighbours(t *testing.T) {
	g, err := BuildGraph("diamond",
		[]NodeSpec{task("start"), task("left"), task("right"), {ID: "join", Capability: "join", Join: JoinAny}},
		[]EdgeSpec{edge("start", "left"), edge("start", "right"), edge("left", "join"), edge("right", "join")},
	)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	levels := g.Levels()
	if len(levels) != 3 {
		t.Fatalf("len(levels) = %d, want 3", len(levels))
	}
	if len(levels[1]) != 2 || levels[1][0] != "left" || levels[1][1] != "right" {
		t.Errorf("levels[1] = %v, want [left right]", levels[1])
	}
	if got := g.StartNodes(); len(got) != 1 || got[0] != "start" {
		t.Errorf("StartNodes() = %v", got)
	}
	if got := g.Predecessors("join"); len(got) != 2 {
		t.Errorf("Predecessors(join) = %v", got)
	}
	if got := g.Successors("start"); len(got) != 2 {
		t.Errorf("Successors(start) = %v", got)
	}

	n, ok := g.Node("left")
	if !ok || n.Kind != NodeKindTask || n.Join != JoinAll {
		t.Errorf("defaults not applied: %+v", n)
	}
	if e := g.Edges()[0]; e.ID != "start->left" {
		t.Errorf("default edge id = %q", e.ID)
	}
}

func TestGraph_ToDOT(t *testing.T) {
	g, err := BuildGraph("dot",
		[]NodeSpec{task("plan"), gate("review")},
		[]EdgeSpec{{From: "plan", To: "review", Guard: "output['ok']"}},
	)
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	dot := g.ToDOT()
	for _, want := range []string{`digraph "dot"`, `"plan" -> "review"`, "gold", "cluster_level_1"} {
		if !strings.Contains(dot, want) {
			t.Errorf("ToDOT() missing %q:\n%s", want, dot)
		}
	}
}

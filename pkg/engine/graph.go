package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cogworks/cogworks/pkg/pipeline"
)

// NodeSpec declares one node of a pipeline graph.
type NodeSpec struct {
	ID pipeline.NodeID `json:"id" validate:"required"`

	// Kind selects task or human_gate. Empty means task.
	Kind NodeKind `json:"kind,omitempty"`

	// Capability names the Node implementation a resolver binds to this
	// node. Required for task nodes.
	Capability string `json:"capability,omitempty"`

	// Join is the fan-in mode. Empty means all.
	Join JoinMode `json:"join,omitempty"`

	// Timeout bounds one attempt. Zero means no per-attempt timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Params is passed to the Node implementation unchanged.
	Params map[string]interface{} `json:"params,omitempty"`
}

// EdgeSpec declares a dependency from one node to another.
type EdgeSpec struct {
	ID   pipeline.EdgeID `json:"id,omitempty"`
	From pipeline.NodeID `json:"from" validate:"required"`
	To   pipeline.NodeID `json:"to" validate:"required"`

	// Guard is an optional boolean expression evaluated over the source
	// node's output and the run trigger. Empty means always satisfied.
	Guard string `json:"guard,omitempty"`
}

// Graph is an immutable, validated pipeline graph.
type Graph struct {
	name  pipeline.PipelineName
	nodes map[pipeline.NodeID]NodeSpec
	order []pipeline.NodeID
	edges []EdgeSpec

	inbound  map[pipeline.NodeID][]EdgeSpec
	outbound map[pipeline.NodeID][]EdgeSpec

	levels [][]pipeline.NodeID
}

// BuildGraph validates nodes and edges and returns the graph. Node ids must
// be unique, edges must reference declared nodes, the graph must be acyclic
// and at least one node must have no inbound edges.
func BuildGraph(name pipeline.PipelineName, nodes []NodeSpec, edges []EdgeSpec) (*Graph, error) {
	if name == "" {
		return nil, pipeline.NewConfigurationError("pipeline has no name", nil)
	}
	if len(nodes) == 0 {
		return nil, pipeline.NewConfigurationError(fmt.Sprintf("pipeline %s has no nodes", name), nil)
	}

	g := &Graph{
		name:     name,
		nodes:    make(map[pipeline.NodeID]NodeSpec, len(nodes)),
		order:    make([]pipeline.NodeID, 0, len(nodes)),
		inbound:  make(map[pipeline.NodeID][]EdgeSpec),
		outbound: make(map[pipeline.NodeID][]EdgeSpec),
	}

	// First pass: index nodes
	for _, n := range nodes {
		if n.ID == "" {
			return nil, pipeline.NewConfigurationError("node has empty id", nil)
		}
		if _, exists := g.nodes[n.ID]; exists {
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("duplicate node id: %s", n.ID), nil)
		}
		if n.Kind == "" {
			n.Kind = NodeKindTask
		}
		if n.Join == "" {
			n.Join = JoinAll
		}
		if err := n.Kind.Validate(); err != nil {
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("node %s", n.ID), err)
		}
		if err := n.Join.Validate(); err != nil {
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("node %s", n.ID), err)
		}
		if n.Kind == NodeKindTask && n.Capability == "" {
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("task node %s has no capability", n.ID), nil)
		}
		if n.Timeout < 0 {
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("node %s has negative timeout", n.ID), nil)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}

	// Second pass: edges
	seenEdges := make(map[pipeline.EdgeID]bool)
	for i, e := range edges {
		if e.ID == "" {
			e.ID = pipeline.EdgeID(fmt.Sprintf("%s->%s", e.From, e.To))
		}
		if seenEdges[e.ID] {
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("duplicate edge id: %s", e.ID), nil)
		}
		seenEdges[e.ID] = true

		if _, ok := g.nodes[e.From]; !ok {
			return nil, pipeline.NewConfigurationError(
				fmt.Sprintf("edge %d references non-existent node %s", i, e.From), nil)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, pipeline.NewConfigurationError(
				fmt.Sprintf("edge %d references non-existent node %s", i, e.To), nil)
		}
		if e.From == e.To {
			return nil, pipeline.NewConfigurationError(fmt.Sprintf("node %s depends on itself", e.From), nil)
		}

		g.edges = append(g.edges, e)
		g.outbound[e.From] = append(g.outbound[e.From], e)
		g.inbound[e.To] = append(g.inbound[e.To], e)
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	if err := g.computeLevels(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles uses depth-first search to find a cycle and report its path.
func (g *Graph) detectCycles() error {
	visited := make(map[pipeline.NodeID]bool)
	onStack := make(map[pipeline.NodeID]bool)

	var visit func(id pipeline.NodeID, path []pipeline.NodeID) []pipeline.NodeID
	visit = func(id pipeline.NodeID, path []pipeline.NodeID) []pipeline.NodeID {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, e := range g.outbound[id] {
			if !visited[e.To] {
				if cycle := visit(e.To, path); cycle != nil {
					return cycle
				}
			} else if onStack[e.To] {
				for i, p := range path {
					if p == e.To {
						return append(append([]pipeline.NodeID{}, path[i:]...), e.To)
					}
				}
			}
		}

		onStack[id] = false
		return nil
	}

	for _, id := range g.order {
		if visited[id] {
			continue
		}
		if cycle := visit(id, nil); cycle != nil {
			return pipeline.NewConfigurationError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil)
		}
	}
	return nil
}

// computeLevels groups nodes by depth with Kahn's algorithm. Nodes on the
// same level have no path between them.
func (g *Graph) computeLevels() error {
	inDegree := make(map[pipeline.NodeID]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.inbound[id])
	}

	current := make([]pipeline.NodeID, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}
	if len(current) == 0 {
		return pipeline.NewConfigurationError("no start nodes: every node has an inbound edge", nil)
	}

	processed := 0
	for len(current) > 0 {
		g.levels = append(g.levels, current)
		processed += len(current)

		next := make([]pipeline.NodeID, 0)
		for _, id := range current {
			for _, e := range g.outbound[id] {
				inDegree[e.To]--
				if inDegree[e.To] == 0 {
					next = append(next, e.To)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		current = next
	}

	if processed != len(g.order) {
		return pipeline.NewConfigurationError("failed to order all nodes", nil)
	}
	return nil
}

// Name returns the pipeline name.
func (g *Graph) Name() pipeline.PipelineName { return g.name }

// Node returns the spec of id.
func (g *Graph) Node(id pipeline.NodeID) (NodeSpec, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns node specs in declaration order.
func (g *Graph) Nodes() []NodeSpec {
	out := make([]NodeSpec, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Order returns node ids in declaration order.
func (g *Graph) Order() []pipeline.NodeID {
	return append([]pipeline.NodeID(nil), g.order...)
}

// Edges returns every edge.
func (g *Graph) Edges() []EdgeSpec {
	return append([]EdgeSpec(nil), g.edges...)
}

// Inbound returns the edges ending at id.
func (g *Graph) Inbound(id pipeline.NodeID) []EdgeSpec { return g.inbound[id] }

// Outbound returns the edges starting at id.
func (g *Graph) Outbound(id pipeline.NodeID) []EdgeSpec { return g.outbound[id] }

// Predecessors returns the source nodes of id's inbound edges.
func (g *Graph) Predecessors(id pipeline.NodeID) []pipeline.NodeID {
	out := make([]pipeline.NodeID, 0, len(g.inbound[id]))
	for _, e := range g.inbound[id] {
		out = append(out, e.From)
	}
	return out
}

// Successors returns the target nodes of id's outbound edges.
func (g *Graph) Successors(id pipeline.NodeID) []pipeline.NodeID {
	out := make([]pipeline.NodeID, 0, len(g.outbound[id]))
	for _, e := range g.outbound[id] {
		out = append(out, e.To)
	}
	return out
}

// StartNodes returns nodes with no inbound edges.
func (g *Graph) StartNodes() []pipeline.NodeID {
	return append([]pipeline.NodeID(nil), g.levels[0]...)
}

// Levels returns nodes grouped by depth.
func (g *Graph) Levels() [][]pipeline.NodeID {
	out := make([][]pipeline.NodeID, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]pipeline.NodeID(nil), l...)
	}
	return out
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "digraph %q {\n", string(g.name))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			n := g.nodes[id]
			label := string(id)
			if n.Capability != "" {
				label = fmt.Sprintf("%s\\n%s", id, n.Capability)
			}
			fmt.Fprintf(&sb, "    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				string(id), label, nodeColor(n))
		}

		sb.WriteString("  }\n\n")
	}

	for _, e := range g.edges {
		if e.Guard != "" {
			fmt.Fprintf(&sb, "  %q -> %q [style=dashed, label=%q];\n", string(e.From), string(e.To), e.Guard)
		} else {
			fmt.Fprintf(&sb, "  %q -> %q;\n", string(e.From), string(e.To))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func formatCycle(cycle []pipeline.NodeID) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}

func nodeColor(n NodeSpec) string {
	switch {
	case n.Kind == NodeKindHumanGate:
		return "gold"
	case n.Join == JoinAny:
		return "lightblue"
	default:
		return "lightgreen"
	}
}

// Package config loads the orchestrator's configuration.
//
// # Overview
//
// Three inputs are read here:
//
//   - cogworks.yaml, the top-level Config, decoded with yaml.v3 and checked
//     with validator struct tags plus cross-field rules. The retry ceiling,
//     the approval timeout and the per-run budget have no defaults and must
//     be set explicitly.
//   - pipeline.cue, the graph definition, unified with the built-in
//     #Pipeline CUE schema and turned into an engine.Graph.
//   - Edge guards, Starlark expressions evaluated by GuardEvaluator when the
//     executor decides whether an edge is satisfied.
//
// The domain service registry (services.yaml) is parsed by the extension
// client package; Config only records its path.
//
// # Pipeline files
//
// Nodes are keyed by id and keep their declaration order:
//
//	name: "default"
//
//	nodes: {
//		intake: {capability: "intake", timeout: "5m"}
//		review: {kind: "human_gate"}
//		implement: {capability: "implement", params: {model: "large"}}
//	}
//
//	edges: [
//		{from: "intake", to: "review"},
//		{from: "review", to: "implement", guard: "get(output, 'decision') == 'approved'"},
//	]
//
// Every schema problem is reported with its file, line and column.
// Capabilities may register a params schema with
// SchemaRegistry.RegisterParams; node params are unified with it at load
// time.
//
// # Guards
//
// A guard sees four variables: output (the source node's decoded output),
// trigger (the run's trigger payload), source and target (node ids). The
// helpers has(obj, "a.b") and get(obj, "a.b", default) walk nested dicts.
// A guard must evaluate to a bool within the configured timeout.
package config

// Package engine executes pipeline graphs for work items.
//
// # Overview
//
// A pipeline is a directed acyclic graph of nodes. Task nodes run an
// injected Node implementation; human gate nodes suspend the run until an
// approval, a rejection or a timeout. Edges may carry a guard expression
// evaluated over the source node's output and the run trigger.
//
//	graph, err := engine.BuildGraph("default", nodes, edges)
//	exec, err := engine.NewExecutor(graph, resolver, store, engine.Config{
//	    ApprovalTimeout: 24 * time.Hour,
//	    Budget:          budget,
//	    Retry:           retry,
//	})
//	runID, err := exec.Start(ctx, workItem, payload)
//	snap, err := exec.Wait(ctx, runID)
//
// # Run Lifecycle
//
//	pending -> running -> (awaiting_approval <-> running) -> completed | halted | failed
//
// A run completes only when every node succeeded or was skipped. Halt-class
// and content-safety errors halt it; every other unrecoverable error fails
// it. Content-safety errors also hold the work item until Release.
//
// # Dispatch Rules
//
// An edge is satisfied when its source succeeded and its guard is empty or
// true. A node with join "all" runs when every inbound edge is satisfied; a
// node with join "any" runs once every inbound edge is resolved and at least
// one is satisfied. Anything else is skipped, and skips propagate.
//
// # Ownership
//
// Each run has exactly one controller goroutine. It owns the snapshot, the
// cost account, retry and approval timers, and every state transition.
// Nodes communicate with it only through messages: results, and charges
// made with RunContext.Charge. Outcomes are appended to the RunStore before
// the controller acts on them, so a restarted process can Resume a run
// without executing succeeded nodes again.
//
// # Budget
//
// The account is checked before every dispatch. The first charge that
// reaches the limit cancels all in-flight siblings and fails the run with
// a budget error.
package engine

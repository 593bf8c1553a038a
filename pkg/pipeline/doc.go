// Package pipeline defines the shared vocabulary of the CogWorks orchestrator:
// typed identifiers, validated value objects, and the classified error type
// that carries a retry policy across every component boundary.
//
// Identifiers are distinct named types even where they share a primitive
// representation. A NodeID can never be passed where a ServiceName is
// expected, and a WorkItemID never where a PullRequestID is.
//
// Value objects validate on construction and on JSON decode:
//
//	cost, err := pipeline.NewTokenCost(0.42)
//	budget, err := pipeline.NewCostBudget(10)
//	if budget.ExceededBy(cost) { ... }
//
// Errors are built with the constructors in errors.go and inspected with the
// Is* predicates, which walk wrapped chains with errors.As.
package pipeline

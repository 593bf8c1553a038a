// Package telemetry provides logging, tracing, metrics and the in-process
// run event bus.
//
// # Logging
//
// Logger wraps zerolog with component loggers and run-scoped fields:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithRunID(run.String()).WithNode("implement").Info("dispatching node")
//
// Console output is used in development and JSON in production.
//
// # Tracing
//
// Tracer wraps OpenTelemetry. Runs, node attempts and domain service calls
// each get a span. Spans are exported to stdout, to an OTLP collector over
// gRPC, or nowhere.
//
// # Metrics
//
// Metrics registers Prometheus collectors on a private registry served by
// promhttp. Every Record method is safe on a nil or disabled *Metrics.
//
// # Events
//
// EventPublisher delivers run.*, node.* and ingestion events to in-process
// subscribers in publication order. The run archive subscribes to terminal
// run events; the CLI subscribes to print progress.
package telemetry

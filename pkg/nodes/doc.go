// Package nodes provides the task node implementations a pipeline binds to
// by capability name.
//
//   - service: calls a method on a registered domain service and turns its
//     result into artifacts, diagnostics and output.
//   - llm: asks the language model through the Gateway.
//
// Registry implements engine.NodeResolver. Each capability carries an
// optional CUE params schema that the pipeline loader enforces, so a
// pipeline with a misspelled param fails to load instead of failing at
// run time.
//
// Every language-model call goes through a Gateway. It screens external
// content with the constitution's injection rules, retries transient
// provider errors with backoff, and charges the run for the usage the
// provider reports.
package nodes

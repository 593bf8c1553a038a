// Package cost tracks per-run spend against a budget and decides whether a
// failed attempt is retried.
//
// An Account is owned by a single goroutine, the run's controller in the
// engine package, which serializes charges from parallel nodes. It adds
// every charge before comparing against the limit, so the accumulated cost
// always equals the sum of the charges.
//
// RetryEngine maps a classified error and an attempt count to a Decision:
// retry after a delay, or escalate.
package cost

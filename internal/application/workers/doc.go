// Package workers implements the pool that advances validation sets.
//
// The pool runs a fixed number of goroutines that:
//   - Take set ids from a deduplicating queue and process one tick each
//   - Refill the queue from a periodic sweep of all active sets
//   - Fast-track sets whose remote steps reported a completion
//
// The health monitor tracks worker status and records metrics.
package workers

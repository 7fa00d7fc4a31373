// Package orchestrator implements the validation pipeline engine.
//
// The orchestrator drives each submitted artifact's validation set to a
// terminal status by:
//   - Validating the configured step graph (no cycles, no unknown steps)
//   - Deduplicating submissions for the same artifact identity
//   - Planning, starting and polling eligible steps on every tick
//   - Persisting every transition with optimistic concurrency
//   - Aggregating step results into one verdict and notifying it
//
// No state is kept in memory between ticks: every decision is derived from
// the persisted set, so a restarted process simply resumes.
package orchestrator

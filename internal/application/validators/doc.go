// Package validators provides the building blocks step adapters are made of.
//
// Func adapts plain functions, Remote dispatches work to external workers over
// the event bus and reads their completions back, Presence checks that the
// artifact is visible in object storage, and PostProcess narrows the result
// of another validator under an explicit SuppressionPolicy.
package validators

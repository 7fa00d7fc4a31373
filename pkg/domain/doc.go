// Package domain defines the validation pipeline model shared by the
// orchestrator, its adapters and its APIs.
//
// A ValidationSet is one tracked run of the configured step graph for one
// artifact version. It owns one StepRequest per step that has become
// eligible, and its overall status is derived from those requests.
package domain

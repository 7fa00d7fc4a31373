package domain

import (
	"fmt"
	"time"
)

// FailureBehavior controls whether a step failure fails the whole set.
type FailureBehavior string

const (
	MustSucceed   FailureBehavior = "MustSucceed"
	AllowedToFail FailureBehavior = "AllowedToFail"
)

// ParseFailureBehavior converts a configured value. Empty means MustSucceed.
func ParseFailureBehavior(s string) (FailureBehavior, error) {
	switch FailureBehavior(s) {
	case "", MustSucceed:
		return MustSucceed, nil
	case AllowedToFail:
		return AllowedToFail, nil
	default:
		return "", fmt.Errorf("unknown failure behavior: %q", s)
	}
}

// StepDefinition is one configured node of the validation graph.
type StepDefinition struct {
	Name            string          `json:"name"`
	RequiredSteps   []string        `json:"required_steps,omitempty"`
	ShouldStart     bool            `json:"should_start"`
	FailureBehavior FailureBehavior `json:"failure_behavior"`
	TrackAfter      time.Duration   `json:"track_after"`
}

// StepStatus is the status of one step request.
type StepStatus string

const (
	StepNotStarted StepStatus = "NotStarted"
	StepIncomplete StepStatus = "Incomplete"
	StepSucceeded  StepStatus = "Succeeded"
	StepFailed     StepStatus = "Failed"
)

// IsTerminal reports whether the status can no longer change.
func (s StepStatus) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// Issue is a finding reported by a validation step.
type Issue struct {
	Code string `json:"code"`
	Data string `json:"data,omitempty"`
}

// IssueArtifactNotFound is recorded when a step gave up waiting for the
// artifact to become visible.
const IssueArtifactNotFound = "ArtifactNotFound"

// IssueStartFailed is recorded when a step could not be started.
const IssueStartFailed = "StartFailed"

// StepResult is what a validator reports from Start or Poll.
type StepResult struct {
	Status                 StepStatus `json:"status"`
	Issues                 []Issue    `json:"issues,omitempty"`
	ReplacementArtifactRef string     `json:"replacement_artifact_ref,omitempty"`
}

// StepRequest is one step's attempt for one validation set.
type StepRequest struct {
	ID                     string     `json:"id"`
	ValidationSetID        string     `json:"validation_set_id"`
	StepName               string     `json:"step_name"`
	AttemptCount           int        `json:"attempt_count"`
	Status                 StepStatus `json:"status"`
	Issues                 []Issue    `json:"issues,omitempty"`
	ReplacementArtifactRef string     `json:"replacement_artifact_ref,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	LastCheckedAt          *time.Time `json:"last_checked_at,omitempty"`

	// StartIssuedAt is persisted before Start is dispatched. It is only
	// cleared when Start failed transiently or the artifact was not ready,
	// so a request is never started twice while a Start may be in effect.
	StartIssuedAt *time.Time `json:"start_issued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	// NextCheckAt defers the next Start or Poll after a not-ready answer.
	NextCheckAt            *time.Time `json:"next_check_at,omitempty"`
	MissingArtifactRetries int        `json:"missing_artifact_retries,omitempty"`
	// StartFailures counts Start calls that failed with transient errors.
	StartFailures int `json:"start_failures,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *StepRequest) Clone() *StepRequest {
	if r == nil {
		return nil
	}
	out := *r
	if r.Issues != nil {
		out.Issues = append([]Issue(nil), r.Issues...)
	}
	out.LastCheckedAt = cloneTime(r.LastCheckedAt)
	out.StartIssuedAt = cloneTime(r.StartIssuedAt)
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.NextCheckAt = cloneTime(r.NextCheckAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

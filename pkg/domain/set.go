package domain

import "time"

// OverallStatus is the status of a validation set.
type OverallStatus string

const (
	SetNotStarted OverallStatus = "NotStarted"
	SetRunning    OverallStatus = "Running"
	SetSucceeded  OverallStatus = "Succeeded"
	SetFailed     OverallStatus = "Failed"
	SetTimedOut   OverallStatus = "TimedOut"
)

// IsTerminal reports whether no further transition is possible.
func (s OverallStatus) IsTerminal() bool {
	return s == SetSucceeded || s == SetFailed || s == SetTimedOut
}

// ValidationSet is one run of the step graph for one artifact version.
type ValidationSet struct {
	ID            string         `json:"id"`
	Artifact      ArtifactKey    `json:"artifact"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	OverallStatus OverallStatus  `json:"overall_status"`
	Requests      []*StepRequest `json:"requests"`

	// Fault records an invariant violation that halted processing.
	Fault string `json:"fault,omitempty"`

	// NotifiedAt is set once the terminal outcome has been delivered.
	NotifiedAt *time.Time `json:"notified_at,omitempty"`

	// Version is the optimistic concurrency token. Stores reject updates
	// whose Version does not match the stored one and bump it on success.
	Version int64 `json:"version"`
}

// Request returns the request for the named step, or nil.
func (s *ValidationSet) Request(step string) *StepRequest {
	for _, r := range s.Requests {
		if r.StepName == step {
			return r
		}
	}
	return nil
}

// RequestByID returns the request with the given id, or nil.
func (s *ValidationSet) RequestByID(id string) *StepRequest {
	for _, r := range s.Requests {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// IsActive reports whether the set still collects duplicate submissions
// at the given time.
func (s *ValidationSet) IsActive(now time.Time, window time.Duration) bool {
	if s.OverallStatus.IsTerminal() {
		return false
	}
	return now.Sub(s.CreatedAt) < window
}

// Pending reports whether the set still needs processing: it is not
// terminal yet, or its outcome has not been delivered.
func (s *ValidationSet) Pending() bool {
	return !s.OverallStatus.IsTerminal() || s.NotifiedAt == nil
}

// Clone returns a deep copy of the set.
func (s *ValidationSet) Clone() *ValidationSet {
	if s == nil {
		return nil
	}
	out := *s
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.NotifiedAt = cloneTime(s.NotifiedAt)
	out.Requests = make([]*StepRequest, len(s.Requests))
	for i, r := range s.Requests {
		out.Requests[i] = r.Clone()
	}
	return &out
}

// StepIssue attributes an issue to the step that raised it.
type StepIssue struct {
	Step  string `json:"step"`
	Issue Issue  `json:"issue"`
}

// Outcome is the terminal verdict handed to notifiers.
type Outcome struct {
	SetID                  string        `json:"set_id"`
	Artifact               ArtifactKey   `json:"artifact"`
	Status                 OverallStatus `json:"status"`
	Issues                 []StepIssue   `json:"issues,omitempty"`
	ReplacementArtifactRef string        `json:"replacement_artifact_ref,omitempty"`
	// Fault is the invariant violation that halted the set before it
	// timed out.
	Fault       string    `json:"fault,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewOutcome aggregates the issues of every request of a terminal set.
func NewOutcome(s *ValidationSet) Outcome {
	out := Outcome{
		SetID:    s.ID,
		Artifact: s.Artifact,
		Status:   s.OverallStatus,
		Fault:    s.Fault,
	}
	if s.CompletedAt != nil {
		out.CompletedAt = *s.CompletedAt
	}
	for _, r := range s.Requests {
		for _, issue := range r.Issues {
			out.Issues = append(out.Issues, StepIssue{Step: r.StepName, Issue: issue})
		}
		if r.ReplacementArtifactRef != "" {
			out.ReplacementArtifactRef = r.ReplacementArtifactRef
		}
	}
	return out
}

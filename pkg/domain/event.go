package domain

import "time"

// EventType identifies the kind of bus event.
type EventType string

const (
	EventTypeStepStart     EventType = "step.start"
	EventTypeStepCompleted EventType = "step.completed"
	EventTypeSetCreated    EventType = "set.created"
	EventTypeSetUpdated    EventType = "set.updated"
	EventTypeSetCompleted  EventType = "set.completed"
)

// Bus topics.
const (
	TopicCompletions = "validation.completions"
	TopicOutcomes    = "validation.outcomes"
	TopicSets        = "validation.sets"
)

// WorkTopic returns the topic a step's work items are dispatched on.
func WorkTopic(name string) string {
	return "validation.work." + name
}

// Event is a message carried by the event bus.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	SetID     string      `json:"set_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	StepName  string      `json:"step_name,omitempty"`
	Attempt   int         `json:"attempt,omitempty"`
	Artifact  ArtifactKey `json:"artifact"`

	// Result is carried by step.completed events.
	Result *StepResult `json:"result,omitempty"`
	// NotReady marks a completion that could not see the artifact yet.
	NotReady bool `json:"not_ready,omitempty"`
	// Outcome is carried by set.completed events.
	Outcome *Outcome `json:"outcome,omitempty"`
	// Status is the set status for set.* events.
	Status OverallStatus `json:"status,omitempty"`
}

package ports

import "time"

// MetricsCollector records orchestration metrics.
type MetricsCollector interface {
	RecordSetSubmitted(result string)
	RecordSetCompleted(status string, duration time.Duration)
	RecordStepStarted(step string)
	RecordStepResult(step, status string)
	RecordMissingArtifactRetry(step string)
	RecordTransientRetry(operation string)
	RecordConflict()
	RecordInvariantViolation(step string)
	RecordAdmission(result string)
	SetEventRate(rate float64)
	SetActiveSets(count int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}

package ports

import (
	"context"
	"time"

	"github.com/aescanero/valset/pkg/domain"
)

// SetStore persists validation sets together with their step requests.
type SetStore interface {
	// CreateSet stores a new set and claims its artifact identity for the
	// deduplication window. It returns domain.ErrAlreadyExists when another
	// active set holds the claim.
	CreateSet(ctx context.Context, set *domain.ValidationSet, window time.Duration) error

	// GetSet returns domain.ErrNotFound for unknown ids.
	GetSet(ctx context.Context, id string) (*domain.ValidationSet, error)

	// UpdateSet writes set if set.Version matches the stored version and
	// bumps set.Version. A mismatch returns domain.ErrConflict. Terminal
	// sets release their artifact claim.
	UpdateSet(ctx context.Context, set *domain.ValidationSet) error

	// FindActiveSet returns the non-terminal set claiming key that was
	// created within window of now, or domain.ErrNotFound.
	FindActiveSet(ctx context.Context, key domain.ArtifactKey, window time.Duration, now time.Time) (*domain.ValidationSet, error)

	// ListActiveSetIDs returns the ids of all non-terminal sets.
	ListActiveSetIDs(ctx context.Context) ([]string, error)
}

// ResultStore holds completion results reported by remote workers,
// correlated by step request id.
type ResultStore interface {
	PutResult(ctx context.Context, requestID string, result Completion) error
	GetResult(ctx context.Context, requestID string) (Completion, bool, error)
}

// Completion is a result reported asynchronously for a step request.
// Attempt echoes the attempt the work item was dispatched for.
type Completion struct {
	Attempt  int               `json:"attempt"`
	Result   domain.StepResult `json:"result"`
	NotReady bool              `json:"not_ready,omitempty"`
}

// SubmissionQueue buffers submissions until the throttler admits them.
type SubmissionQueue interface {
	Enqueue(ctx context.Context, sub domain.Submission) error
	// Dequeue returns false when the queue is empty.
	Dequeue(ctx context.Context) (domain.Submission, bool, error)
	Len(ctx context.Context) (int64, error)
}

// RateSignal reports the current admission event rate, in events per hour.
type RateSignal interface {
	EventRate(ctx context.Context) (float64, error)
}

// RateRecorder records admission events feeding a RateSignal.
type RateRecorder interface {
	Record(ctx context.Context, at time.Time) error
}

package memory

import (
	"context"
	"sync"

	"github.com/aescanero/valset/pkg/domain"
)

// InMemoryQueue implements ports.SubmissionQueue as a FIFO slice
type InMemoryQueue struct {
	items []domain.Submission
	mu    sync.Mutex
}

// NewInMemoryQueue creates a new in-memory submission queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

// Enqueue appends a submission
func (q *InMemoryQueue) Enqueue(ctx context.Context, sub domain.Submission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, sub)
	return nil
}

// Dequeue pops the oldest submission
func (q *InMemoryQueue) Dequeue(ctx context.Context) (domain.Submission, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.Submission{}, false, nil
	}
	sub := q.items[0]
	q.items = q.items[1:]
	return sub, true, nil
}

// Len returns the number of queued submissions
func (q *InMemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/redis/go-redis/v9"
)

const queueKey = "valset:submissions"

// SubmissionQueue implements ports.SubmissionQueue as a Redis list
type SubmissionQueue struct {
	client *redis.Client
}

// NewSubmissionQueue creates a new Redis submission queue
func NewSubmissionQueue(client *redis.Client) *SubmissionQueue {
	return &SubmissionQueue{client: client}
}

// Enqueue appends a submission
func (q *SubmissionQueue) Enqueue(ctx context.Context, sub domain.Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}
	if err := q.client.RPush(ctx, queueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue submission: %w", classify(err))
	}
	return nil
}

// Dequeue pops the oldest submission
func (q *SubmissionQueue) Dequeue(ctx context.Context) (domain.Submission, bool, error) {
	data, err := q.client.LPop(ctx, queueKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Submission{}, false, nil
		}
		return domain.Submission{}, false, fmt.Errorf("failed to dequeue submission: %w", classify(err))
	}

	var sub domain.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return domain.Submission{}, false, fmt.Errorf("failed to unmarshal submission: %w", err)
	}
	return sub, true, nil
}

// Len returns the number of queued submissions
func (q *SubmissionQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", classify(err))
	}
	return n, nil
}

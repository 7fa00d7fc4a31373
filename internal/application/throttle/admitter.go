package throttle

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"go.uber.org/zap"
)

// Submitter creates or resumes the validation set of a submission.
type Submitter interface {
	Submit(ctx context.Context, sub domain.Submission) (*domain.ValidationSet, bool, error)
}

// QueueAdmitter admits one queued submission per call
type QueueAdmitter struct {
	queue     ports.SubmissionQueue
	submitter Submitter
	logger    *zap.Logger
}

// NewQueueAdmitter creates an admitter draining queue into submitter
func NewQueueAdmitter(queue ports.SubmissionQueue, submitter Submitter, logger *zap.Logger) *QueueAdmitter {
	return &QueueAdmitter{queue: queue, submitter: submitter, logger: logger}
}

// Admit submits the next queued submission.
//
// An empty queue, a transient fault or an invalid submission defer
// admission; invalid submissions are dropped, transiently failed ones are
// put back. A submission interrupted by ctx is put back and the ctx error
// returned. Any other failure puts the submission back and is unrecoverable.
func (a *QueueAdmitter) Admit(ctx context.Context) (Admission, error) {
	sub, ok, err := a.queue.Dequeue(ctx)
	if err != nil {
		if domain.IsTransient(err) {
			return RetryLater, fmt.Errorf("dequeue submission: %w", err)
		}
		return Unrecoverable, fmt.Errorf("dequeue submission: %w", err)
	}
	if !ok {
		return RetryLater, nil
	}

	set, created, err := a.submitter.Submit(ctx, sub)
	switch {
	case err == nil:
		a.logger.Info("submission admitted",
			zap.String("set_id", set.ID),
			zap.String("artifact", sub.Artifact.String()),
			zap.Bool("created", created))
		return Enqueued, nil

	case errors.Is(err, domain.ErrInvalidSubmission):
		a.logger.Warn("dropping invalid submission",
			zap.String("artifact", sub.Artifact.String()),
			zap.String("source", sub.Source),
			zap.Error(err))
		return RetryLater, nil

	case ctx.Err() != nil:
		if rerr := a.requeue(ctx, sub); rerr != nil {
			a.logger.Error("failed to requeue interrupted submission",
				zap.String("artifact", sub.Artifact.String()),
				zap.Error(rerr))
		}
		return RetryLater, fmt.Errorf("submit %s: %w", sub.Artifact, ctx.Err())

	case domain.IsTransient(err) || errors.Is(err, domain.ErrConflict):
		if rerr := a.requeue(ctx, sub); rerr != nil {
			return Unrecoverable, fmt.Errorf("requeue %s after %v: %w", sub.Artifact, err, rerr)
		}
		return RetryLater, fmt.Errorf("submit %s: %w", sub.Artifact, err)

	default:
		if rerr := a.requeue(ctx, sub); rerr != nil {
			a.logger.Error("failed to requeue submission",
				zap.String("artifact", sub.Artifact.String()),
				zap.Error(rerr))
		}
		return Unrecoverable, fmt.Errorf("submit %s: %w", sub.Artifact, err)
	}
}

// requeue puts sub back even when ctx is already done, since a dequeued
// submission exists nowhere else.
func (a *QueueAdmitter) requeue(ctx context.Context, sub domain.Submission) error {
	return a.queue.Enqueue(context.WithoutCancel(ctx), sub)
}

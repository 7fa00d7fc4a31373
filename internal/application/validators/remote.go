package validators

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Remote hands a step to an external worker pool. Start publishes a work item
// on the step's work topic; workers report back on domain.TopicCompletions
// and the completion is stored by request id, where Poll finds it.
type Remote struct {
	step    string
	topic   string
	bus     ports.EventBus
	results ports.ResultStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewRemote creates a remote validator. An empty topic defaults to the step
// name.
func NewRemote(step, topic string, bus ports.EventBus, results ports.ResultStore, logger *zap.Logger) *Remote {
	if topic == "" {
		topic = step
	}
	return &Remote{
		step:    step,
		topic:   domain.WorkTopic(topic),
		bus:     bus,
		results: results,
		logger:  logger,
		now:     time.Now,
	}
}

// Topic returns the work topic items are published on.
func (r *Remote) Topic() string {
	return r.topic
}

// Start dispatches the work item. The step stays Incomplete until a
// completion arrives.
func (r *Remote) Start(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	event := domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventTypeStepStart,
		Timestamp: r.now(),
		SetID:     set.ID,
		RequestID: req.ID,
		StepName:  r.step,
		Attempt:   req.AttemptCount,
		Artifact:  set.Artifact,
	}
	if err := r.bus.Publish(ctx, r.topic, event); err != nil {
		return domain.StepResult{}, fmt.Errorf("dispatch %s for set %s: %w", r.step, set.ID, err)
	}

	r.logger.Debug("work item dispatched",
		zap.String("set_id", set.ID),
		zap.String("step", r.step),
		zap.String("request_id", req.ID),
		zap.Int("attempt", req.AttemptCount),
		zap.String("topic", r.topic))

	return domain.StepResult{Status: domain.StepIncomplete}, nil
}

// Poll reports the stored completion, or Incomplete while there is none.
// Completions from earlier attempts are ignored.
func (r *Remote) Poll(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	completion, ok, err := r.results.GetResult(ctx, req.ID)
	if err != nil {
		return domain.StepResult{}, fmt.Errorf("read completion of %s: %w", req.ID, err)
	}
	if !ok || (completion.Attempt != 0 && completion.Attempt != req.AttemptCount) {
		return domain.StepResult{Status: domain.StepIncomplete}, nil
	}
	if completion.NotReady {
		return domain.StepResult{}, fmt.Errorf("%s reported for %s: %w", r.step, set.Artifact, domain.ErrArtifactNotReady)
	}
	return completion.Result, nil
}

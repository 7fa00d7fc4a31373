package events

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BusNotifier publishes terminal outcomes as set.completed events on
// domain.TopicOutcomes.
type BusNotifier struct {
	bus    ports.EventBus
	logger *zap.Logger
	now    func() time.Time
}

// NewBusNotifier creates a notifier publishing on bus
func NewBusNotifier(bus ports.EventBus, logger *zap.Logger) *BusNotifier {
	return &BusNotifier{bus: bus, logger: logger, now: time.Now}
}

// Notify publishes the outcome
func (n *BusNotifier) Notify(ctx context.Context, outcome domain.Outcome) error {
	event := domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventTypeSetCompleted,
		Timestamp: n.now(),
		SetID:     outcome.SetID,
		Artifact:  outcome.Artifact,
		Outcome:   &outcome,
		Status:    outcome.Status,
	}
	if err := n.bus.Publish(ctx, domain.TopicOutcomes, event); err != nil {
		return fmt.Errorf("publish outcome of set %s: %w", outcome.SetID, err)
	}

	n.logger.Info("outcome published",
		zap.String("set_id", outcome.SetID),
		zap.String("status", string(outcome.Status)),
		zap.Int("issues", len(outcome.Issues)))
	return nil
}

package ports

import (
	"context"

	"github.com/aescanero/valset/pkg/domain"
)

// EventHandler processes one event. A returned error leaves the event
// unacknowledged where the bus supports it.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus is the work dispatch and completion transport.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	// Subscribe registers handler for topic until ctx is done.
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// Notifier receives the terminal outcome of every validation set.
type Notifier interface {
	Notify(ctx context.Context, outcome domain.Outcome) error
}

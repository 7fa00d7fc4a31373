package memory

import (
	"context"
	"sync"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
)

type subscription struct {
	id      uint64
	handler ports.EventHandler
}

// InMemoryEventBus implements EventBus using in-memory handlers.
// Handlers run synchronously on the publishing goroutine, and every
// published event is kept for inspection.
type InMemoryEventBus struct {
	subscribers map[string][]subscription
	published   map[string][]domain.Event
	nextID      uint64
	mu          sync.RWMutex
}

// NewInMemoryEventBus creates a new in-memory event bus
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string][]subscription),
		published:   make(map[string][]domain.Event),
	}
}

// Publish delivers an event to all subscribers of a topic. The first
// handler error is returned after every handler ran.
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.Lock()
	e.published[topic] = append(e.published[topic], event)
	subs := make([]subscription, len(e.subscribers[topic]))
	copy(subs, e.subscribers[topic])
	e.mu.Unlock()

	var first error
	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Subscribe registers handler for topic until ctx is done
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subscribers[topic] = append(e.subscribers[topic], subscription{id: id, handler: handler})
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.unsubscribe(topic, id)
	}()
	return nil
}

// Published returns the events published on topic so far
func (e *InMemoryEventBus) Published(topic string) []domain.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.Event(nil), e.published[topic]...)
}

// Close drops all subscriptions
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = make(map[string][]subscription)
	return nil
}

func (e *InMemoryEventBus) unsubscribe(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			e.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

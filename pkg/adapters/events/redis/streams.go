package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "valset:events:"

// StreamsEventBus implements EventBus using Redis Streams. Every process of
// a consumer group shares the work on a topic; a message whose handler fails
// stays pending and is delivered again to the same consumer.
type StreamsEventBus struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	maxLen        int64
	block         time.Duration
	startID       string

	mu     sync.Mutex
	cancel []context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a StreamsEventBus
type Option func(*StreamsEventBus)

// WithMaxLen caps each stream at roughly n entries.
func WithMaxLen(n int64) Option {
	return func(e *StreamsEventBus) {
		e.maxLen = n
	}
}

// WithBlock sets how long a read waits for new messages.
func WithBlock(d time.Duration) Option {
	return func(e *StreamsEventBus) {
		e.block = d
	}
}

// WithNewMessagesOnly makes newly created consumer groups skip the stream
// history.
func WithNewMessagesOnly() Option {
	return func(e *StreamsEventBus) {
		e.startID = "$"
	}
}

// NewStreamsEventBus creates a new Redis Streams event bus
func NewStreamsEventBus(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger, opts ...Option) (*StreamsEventBus, error) {
	if consumerGroup == "" || consumerName == "" {
		return nil, fmt.Errorf("consumer group and consumer name are required")
	}
	e := &StreamsEventBus{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		maxLen:        100000,
		block:         time.Second,
		startID:       "0",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Publish appends an event to the topic stream
func (e *StreamsEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	streamKey := getStreamKey(topic)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: e.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": string(event.Type),
			"data": string(data),
		},
	}
	if _, err := e.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream %s: %w", streamKey, domain.Transient(err))
	}

	e.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("topic", topic),
		zap.String("stream", streamKey))

	return nil
}

// Subscribe consumes the topic stream until ctx is done or the bus is closed
func (e *StreamsEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	streamKey := getStreamKey(topic)

	err := e.client.XGroupCreateMkStream(ctx, streamKey, e.consumerGroup, e.startID).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	e.logger.Info("subscribed to event stream",
		zap.String("stream", streamKey),
		zap.String("topic", topic),
		zap.String("consumer_group", e.consumerGroup),
		zap.String("consumer", e.consumerName))

	subCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = append(e.cancel, cancel)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.readStream(subCtx, streamKey, handler)
	}()
	return nil
}

// readStream first redelivers this consumer's pending messages, then reads
// new ones.
func (e *StreamsEventBus) readStream(ctx context.Context, streamKey string, handler ports.EventHandler) {
	pending := true
	for ctx.Err() == nil {
		id := ">"
		block := e.block
		if pending {
			// History reads never block.
			id = "0"
			block = -1
		}

		streams, err := e.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    e.consumerGroup,
			Consumer: e.consumerName,
			Streams:  []string{streamKey, id},
			Count:    10,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				pending = false
				continue
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		delivered := 0
		for _, stream := range streams {
			for _, message := range stream.Messages {
				delivered++
				e.processMessage(ctx, streamKey, message, handler)
			}
		}
		if pending && delivered == 0 {
			pending = false
		}
	}
}

// processMessage decodes and handles one message, acknowledging it on success
func (e *StreamsEventBus) processMessage(ctx context.Context, streamKey string, message redis.XMessage, handler ports.EventHandler) {
	data, ok := message.Values["data"].(string)
	if !ok {
		e.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		e.ack(ctx, streamKey, message.ID)
		return
	}

	var event domain.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		e.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		e.ack(ctx, streamKey, message.ID)
		return
	}

	if err := handler(ctx, event); err != nil {
		e.logger.Error("handler error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return
	}
	e.ack(ctx, streamKey, message.ID)
}

func (e *StreamsEventBus) ack(ctx context.Context, streamKey, id string) {
	if err := e.client.XAck(ctx, streamKey, e.consumerGroup, id).Err(); err != nil {
		e.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", id),
			zap.Error(err))
	}
}

// Close stops all subscriptions and waits for their readers.
// The Redis client is closed by the caller.
func (e *StreamsEventBus) Close() error {
	e.mu.Lock()
	for _, cancel := range e.cancel {
		cancel()
	}
	e.cancel = nil
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// getStreamKey returns the Redis stream key for a topic
func getStreamKey(topic string) string {
	return streamPrefix + topic
}

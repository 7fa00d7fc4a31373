package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/valset/pkg/ports"
	"github.com/redis/go-redis/v9"
)

const resultKeyPrefix = "valset:result:"

// ResultStore implements ports.ResultStore using Redis
type ResultStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultStore creates a result store whose entries expire after ttl
func NewResultStore(client *redis.Client, ttl time.Duration) *ResultStore {
	return &ResultStore{client: client, ttl: ttl}
}

// PutResult stores the completion of a step request
func (s *ResultStore) PutResult(ctx context.Context, requestID string, result ports.Completion) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}
	if err := s.client.Set(ctx, resultKeyPrefix+requestID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save completion: %w", classify(err))
	}
	return nil
}

// GetResult returns the completion of a step request, if any
func (s *ResultStore) GetResult(ctx context.Context, requestID string) (ports.Completion, bool, error) {
	data, err := s.client.Get(ctx, resultKeyPrefix+requestID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ports.Completion{}, false, nil
		}
		return ports.Completion{}, false, fmt.Errorf("failed to get completion: %w", classify(err))
	}

	var c ports.Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return ports.Completion{}, false, fmt.Errorf("failed to unmarshal completion: %w", err)
	}
	return c, true, nil
}

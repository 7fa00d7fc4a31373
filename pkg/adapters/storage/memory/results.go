package memory

import (
	"context"
	"sync"

	"github.com/aescanero/valset/pkg/ports"
)

// InMemoryResultStore implements ports.ResultStore
type InMemoryResultStore struct {
	results map[string]ports.Completion
	mu      sync.RWMutex
}

// NewInMemoryResultStore creates a new in-memory result store
func NewInMemoryResultStore() *InMemoryResultStore {
	return &InMemoryResultStore{results: make(map[string]ports.Completion)}
}

// PutResult records the completion for a request
func (s *InMemoryResultStore) PutResult(ctx context.Context, requestID string, result ports.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[requestID] = result
	return nil
}

// GetResult returns the completion for a request, if any
func (s *InMemoryResultStore) GetResult(ctx context.Context, requestID string) (ports.Completion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[requestID]
	return result, ok, nil
}

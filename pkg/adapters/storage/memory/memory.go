package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/valset/pkg/domain"
)

// InMemorySetStore implements ports.SetStore using in-memory maps
// This is for testing and single-node development only
type InMemorySetStore struct {
	sets   map[string]*domain.ValidationSet
	claims map[string]string // artifact key -> set id
	mu     sync.RWMutex
}

// NewInMemorySetStore creates a new in-memory set store
func NewInMemorySetStore() *InMemorySetStore {
	return &InMemorySetStore{
		sets:   make(map[string]*domain.ValidationSet),
		claims: make(map[string]string),
	}
}

// CreateSet stores a new set and claims its artifact identity
func (s *InMemorySetStore) CreateSet(ctx context.Context, set *domain.ValidationSet, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sets[set.ID]; exists {
		return fmt.Errorf("set %s: %w", set.ID, domain.ErrAlreadyExists)
	}

	key := set.Artifact.String()
	if id, ok := s.claims[key]; ok {
		if holder, ok := s.sets[id]; ok && holder.IsActive(set.CreatedAt, window) {
			return fmt.Errorf("artifact %s: %w", key, domain.ErrAlreadyExists)
		}
	}

	set.Version = 1
	s.sets[set.ID] = set.Clone()
	s.claims[key] = set.ID
	return nil
}

// GetSet returns a copy of the stored set
func (s *InMemorySetStore) GetSet(ctx context.Context, id string) (*domain.ValidationSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.sets[id]
	if !ok {
		return nil, fmt.Errorf("set %s: %w", id, domain.ErrNotFound)
	}
	return set.Clone(), nil
}

// UpdateSet replaces the stored set if the versions match
func (s *InMemorySetStore) UpdateSet(ctx context.Context, set *domain.ValidationSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sets[set.ID]
	if !ok {
		return fmt.Errorf("set %s: %w", set.ID, domain.ErrNotFound)
	}
	if stored.Version != set.Version {
		return fmt.Errorf("set %s at version %d: %w", set.ID, set.Version, domain.ErrConflict)
	}

	set.Version++
	s.sets[set.ID] = set.Clone()

	if set.OverallStatus.IsTerminal() {
		key := set.Artifact.String()
		if s.claims[key] == set.ID {
			delete(s.claims, key)
		}
	}
	return nil
}

// FindActiveSet returns the active set claiming the artifact identity
func (s *InMemorySetStore) FindActiveSet(ctx context.Context, key domain.ArtifactKey, window time.Duration, now time.Time) (*domain.ValidationSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.claims[key.String()]
	if !ok {
		return nil, fmt.Errorf("active set for %s: %w", key, domain.ErrNotFound)
	}
	set, ok := s.sets[id]
	if !ok || !set.IsActive(now, window) {
		return nil, fmt.Errorf("active set for %s: %w", key, domain.ErrNotFound)
	}
	return set.Clone(), nil
}

// ListActiveSetIDs returns the ids of all sets still pending, oldest first
func (s *InMemorySetStore) ListActiveSetIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]*domain.ValidationSet, 0, len(s.sets))
	for _, set := range s.sets {
		if set.Pending() {
			active = append(active, set)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	ids := make([]string, len(active))
	for i, set := range active {
		ids[i] = set.ID
	}
	return ids, nil
}

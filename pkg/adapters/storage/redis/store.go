package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	setKeyPrefix   = "valset:set:"
	claimKeyPrefix = "valset:artifact:"
	activeKey      = "valset:active"

	createAttempts = 3
)

// SetStore implements ports.SetStore using Redis.
//
// Each set is one JSON document. Updates run under WATCH so a concurrent
// writer aborts the transaction, which surfaces as domain.ErrConflict. The
// artifact claim is a key holding the set id that expires with the
// deduplication window. Terminal sets expire after the retention period.
type SetStore struct {
	client    *redis.Client
	logger    *zap.Logger
	retention time.Duration
}

// NewSetStore creates a new Redis set store. A zero retention keeps terminal
// sets forever.
func NewSetStore(client *redis.Client, retention time.Duration, logger *zap.Logger) *SetStore {
	return &SetStore{
		client:    client,
		logger:    logger,
		retention: retention,
	}
}

// CreateSet stores a new set and claims its artifact identity
func (s *SetStore) CreateSet(ctx context.Context, set *domain.ValidationSet, window time.Duration) error {
	setKey := getSetKey(set.ID)
	claimKey := getClaimKey(set.Artifact)

	stored := set.Clone()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal set: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, setKey).Result()
		if err != nil {
			return classify(err)
		}
		if n > 0 {
			return fmt.Errorf("set %s: %w", set.ID, domain.ErrAlreadyExists)
		}

		holderID, err := tx.Get(ctx, claimKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return classify(err)
		}
		if holderID != "" {
			holder, err := s.get(ctx, tx, holderID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if holder != nil && holder.IsActive(set.CreatedAt, window) {
				return fmt.Errorf("artifact %s: %w", set.Artifact, domain.ErrAlreadyExists)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, setKey, data, 0)
			pipe.Set(ctx, claimKey, set.ID, window)
			pipe.ZAdd(ctx, activeKey, redis.Z{Score: float64(set.CreatedAt.UnixMilli()), Member: set.ID})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		err = s.client.Watch(ctx, txf, setKey, claimKey)
		if errors.Is(err, redis.TxFailedErr) {
			// The claim changed underneath; look again.
			continue
		}
		if err != nil {
			return watchErr(err)
		}

		set.Version = 1
		s.logger.Debug("set created",
			zap.String("set_id", set.ID),
			zap.String("artifact", set.Artifact.String()))
		return nil
	}
	return fmt.Errorf("create set %s: %w", set.ID, domain.Transient(err))
}

// GetSet returns the stored set
func (s *SetStore) GetSet(ctx context.Context, id string) (*domain.ValidationSet, error) {
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *SetStore) get(ctx context.Context, c getter, id string) (*domain.ValidationSet, error) {
	data, err := c.Get(ctx, getSetKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("set %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get set: %w", classify(err))
	}

	var set domain.ValidationSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal set %s: %w", id, err)
	}
	return &set, nil
}

// UpdateSet writes the set if its version matches the stored one
func (s *SetStore) UpdateSet(ctx context.Context, set *domain.ValidationSet) error {
	setKey := getSetKey(set.ID)
	claimKey := getClaimKey(set.Artifact)

	next := set.Clone()
	next.Version = set.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal set: %w", err)
	}
	terminal := set.OverallStatus.IsTerminal()
	settled := !set.Pending()

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := s.get(ctx, tx, set.ID)
		if err != nil {
			return err
		}
		if stored.Version != set.Version {
			return fmt.Errorf("set %s at version %d: %w", set.ID, set.Version, domain.ErrConflict)
		}

		holderID, err := tx.Get(ctx, claimKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return classify(err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// A terminal set stays listed until its outcome is delivered.
			if settled {
				pipe.Set(ctx, setKey, data, s.retention)
				pipe.ZRem(ctx, activeKey, set.ID)
			} else {
				pipe.Set(ctx, setKey, data, 0)
			}
			if terminal && holderID == set.ID {
				pipe.Del(ctx, claimKey)
			}
			return nil
		})
		return err
	}, setKey, claimKey)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("set %s at version %d: %w", set.ID, set.Version, domain.ErrConflict)
	}
	if err != nil {
		return watchErr(err)
	}

	set.Version = next.Version
	return nil
}

// FindActiveSet returns the active set claiming the artifact identity
func (s *SetStore) FindActiveSet(ctx context.Context, key domain.ArtifactKey, window time.Duration, now time.Time) (*domain.ValidationSet, error) {
	id, err := s.client.Get(ctx, getClaimKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("active set for %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get claim: %w", classify(err))
	}

	set, err := s.GetSet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !set.IsActive(now, window) {
		return nil, fmt.Errorf("active set for %s: %w", key, domain.ErrNotFound)
	}
	return set, nil
}

// ListActiveSetIDs returns the ids of all sets still pending, oldest first
func (s *SetStore) ListActiveSetIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sets: %w", classify(err))
	}
	return ids, nil
}

func getSetKey(id string) string {
	return setKeyPrefix + id
}

func getClaimKey(key domain.ArtifactKey) string {
	return claimKeyPrefix + key.String()
}

// watchErr classifies an error returned by a WATCH transaction. Errors the
// transaction produced itself are already classified.
func watchErr(err error) error {
	for _, target := range []error{domain.ErrAlreadyExists, domain.ErrNotFound, domain.ErrConflict, domain.ErrTransient} {
		if errors.Is(err, target) {
			return err
		}
	}
	return classify(err)
}

// classify marks client-side failures (network, timeouts, pool exhaustion)
// as transient. Server replies are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var reply redis.Error
	if errors.As(err, &reply) || errors.Is(err, context.Canceled) {
		return err
	}
	return domain.Transient(err)
}

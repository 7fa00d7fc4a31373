package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rateKeyPrefix = "valset:rate:"
	rateBuckets   = 60
)

// RateCounter implements ports.RateSignal and ports.RateRecorder with
// per-minute counters shared by every process
type RateCounter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRateCounter creates a rate counter. A nil now uses time.Now.
func NewRateCounter(client *redis.Client, now func() time.Time) *RateCounter {
	if now == nil {
		now = time.Now
	}
	return &RateCounter{client: client, now: now}
}

// Record counts one event in the minute bucket of at
func (c *RateCounter) Record(ctx context.Context, at time.Time) error {
	key := getRateKey(at)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, 2*time.Hour)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record event: %w", classify(err))
	}
	return nil
}

// EventRate returns the number of events in the last sixty minute buckets
func (c *RateCounter) EventRate(ctx context.Context) (float64, error) {
	now := c.now()
	keys := make([]string, rateBuckets)
	for i := range keys {
		keys[i] = getRateKey(now.Add(-time.Duration(i) * time.Minute))
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to read event rate: %w", classify(err))
	}

	var total float64
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		total += float64(n)
	}
	return total, nil
}

func getRateKey(at time.Time) string {
	return rateKeyPrefix + strconv.FormatInt(at.Unix()/60, 10)
}

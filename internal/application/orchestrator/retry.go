package orchestrator

import (
	"context"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"go.uber.org/zap"
)

// retrier retries transient infrastructure faults a fixed number of times
// with a fixed delay. Any other error is returned immediately.
type retrier struct {
	retries int
	delay   time.Duration
	metrics ports.MetricsCollector
	logger  *zap.Logger
}

func (r retrier) do(ctx context.Context, operation string, fn func() error) error {
	attempts := r.retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		err = fn()
		if err == nil || !domain.IsTransient(err) || i == attempts {
			return err
		}

		r.metrics.RecordTransientRetry(operation)
		r.logger.Warn("transient fault, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", i),
			zap.Duration("delay", r.delay),
			zap.Error(err))

		if err := sleep(ctx, r.delay); err != nil {
			return err
		}
	}
	return err
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

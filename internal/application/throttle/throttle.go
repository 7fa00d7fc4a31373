package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"go.uber.org/zap"
)

// Admission is the result of one admission attempt.
type Admission int

const (
	// Enqueued admitted one unit of work.
	Enqueued Admission = iota
	// RetryLater defers admission for a short backoff.
	RetryLater
	// Unrecoverable stops the run loop.
	Unrecoverable
)

func (a Admission) String() string {
	switch a {
	case Enqueued:
		return "enqueued"
	case RetryLater:
		return "retry_later"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return fmt.Sprintf("admission(%d)", int(a))
	}
}

// Admitter admits one unit of work per call.
type Admitter interface {
	Admit(ctx context.Context) (Admission, error)
}

// Config holds the pacing settings.
type Config struct {
	// MinEventRate and MaxEventRate bound the acceptable event rate, in
	// events per hour. At or above the maximum nothing is admitted.
	MinEventRate float64
	MaxEventRate float64
	// PaceMin is the wait after an admission while the rate is at or below
	// MinEventRate. It grows linearly to PaceMax as the rate nears
	// MaxEventRate.
	PaceMin time.Duration
	PaceMax time.Duration
	// RetryLater is the wait after a deferred admission.
	RetryLater time.Duration
	// MaxRuntime bounds the run loop. Zero means unbounded.
	MaxRuntime time.Duration
}

// Throttler runs the admission loop
type Throttler struct {
	cfg      Config
	admitter Admitter
	signal   ports.RateSignal
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes a Throttler
type Option func(*Throttler)

// WithClock replaces the wall clock and the sleep function, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Throttler) {
		t.now = now
		t.sleep = sleep
	}
}

// New creates a throttler. A nil signal admits at PaceMin.
func New(cfg Config, admitter Admitter, signal ports.RateSignal, metrics ports.MetricsCollector, logger *zap.Logger, opts ...Option) *Throttler {
	t := &Throttler{
		cfg:      cfg,
		admitter: admitter,
		signal:   signal,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		sleep:    sleep,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Pace returns the wait after an admission at the given rate. The boolean is
// false when the rate is too high to admit at all.
func (t *Throttler) Pace(rate float64) (time.Duration, bool) {
	lo, hi := t.cfg.MinEventRate, t.cfg.MaxEventRate
	if hi > 0 && rate >= hi {
		return 0, false
	}
	if rate <= lo || hi <= lo {
		return t.cfg.PaceMin, true
	}

	frac := (rate - lo) / (hi - lo)
	span := float64(t.cfg.PaceMax - t.cfg.PaceMin)
	return t.cfg.PaceMin + time.Duration(frac*span), true
}

// Run admits work until ctx is done, MaxRuntime elapses or the admitter
// reports an unrecoverable fault. Reaching MaxRuntime returns nil; an
// unrecoverable fault returns an error wrapping domain.ErrUnrecoverable.
func (t *Throttler) Run(ctx context.Context) error {
	started := t.now()
	var deadline time.Time
	if t.cfg.MaxRuntime > 0 {
		deadline = started.Add(t.cfg.MaxRuntime)
	}

	t.logger.Info("throttler started",
		zap.Float64("min_event_rate", t.cfg.MinEventRate),
		zap.Float64("max_event_rate", t.cfg.MaxEventRate),
		zap.Duration("max_runtime", t.cfg.MaxRuntime))

	admitted := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && !t.now().Before(deadline) {
			t.logger.Info("throttler reached max runtime",
				zap.Duration("runtime", t.now().Sub(started)),
				zap.Int("admitted", admitted))
			return nil
		}

		wait, err := t.step(ctx)
		if err != nil {
			return err
		}
		if wait.admitted {
			admitted++
		}
		if err := t.wait(ctx, wait.d, deadline); err != nil {
			return err
		}
	}
}

type pause struct {
	d        time.Duration
	admitted bool
}

// step makes one admission attempt and returns how long to wait after it
func (t *Throttler) step(ctx context.Context) (pause, error) {
	pace := t.cfg.PaceMin
	if t.signal != nil {
		rate, err := t.signal.EventRate(ctx)
		if err != nil {
			t.logger.Warn("failed to read event rate", zap.Error(err))
			t.metrics.RecordAdmission("signal_error")
			return pause{d: t.cfg.RetryLater}, nil
		}
		t.metrics.SetEventRate(rate)

		var ok bool
		pace, ok = t.Pace(rate)
		if !ok {
			t.logger.Debug("event rate above maximum, deferring admission",
				zap.Float64("event_rate", rate),
				zap.Float64("max_event_rate", t.cfg.MaxEventRate))
			t.metrics.RecordAdmission("throttled")
			return pause{d: t.cfg.RetryLater}, nil
		}
	}

	result, err := t.admitter.Admit(ctx)
	t.metrics.RecordAdmission(result.String())

	switch result {
	case Enqueued:
		return pause{d: pace, admitted: true}, nil
	case RetryLater:
		if err != nil {
			t.logger.Warn("admission deferred", zap.Error(err))
		}
		return pause{d: t.cfg.RetryLater}, nil
	default:
		t.logger.Error("unrecoverable admission fault, stopping", zap.Error(err))
		if err == nil {
			return pause{}, domain.ErrUnrecoverable
		}
		if errors.Is(err, domain.ErrUnrecoverable) {
			return pause{}, err
		}
		return pause{}, fmt.Errorf("%w: %w", domain.ErrUnrecoverable, err)
	}
}

// wait sleeps for d, cut short at the deadline
func (t *Throttler) wait(ctx context.Context, d time.Duration, deadline time.Time) error {
	if !deadline.IsZero() {
		if left := deadline.Sub(t.now()); left < d {
			d = left
		}
	}
	if d <= 0 {
		return ctx.Err()
	}
	return t.sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

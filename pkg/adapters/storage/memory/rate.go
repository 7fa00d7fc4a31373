package memory

import (
	"context"
	"sync"
	"time"
)

// RateCounter implements ports.RateSignal and ports.RateRecorder over a
// sliding one-hour window of recorded events
type RateCounter struct {
	events []time.Time
	now    func() time.Time
	mu     sync.Mutex
}

// NewRateCounter creates a rate counter. A nil now uses time.Now.
func NewRateCounter(now func() time.Time) *RateCounter {
	if now == nil {
		now = time.Now
	}
	return &RateCounter{now: now}
}

// Record adds one event
func (c *RateCounter) Record(ctx context.Context, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, at)
	return nil
}

// EventRate returns the number of events in the last hour
func (c *RateCounter) EventRate(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-time.Hour)
	kept := c.events[:0]
	for _, at := range c.events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	c.events = kept
	return float64(len(kept)), nil
}

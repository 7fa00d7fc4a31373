package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// backlogGrowthChecks is how many consecutive checks the set backlog must
// grow, with every worker busy, before the pool reports that it falls behind.
const backlogGrowthChecks = 3

// HealthMonitor samples the pool's workers and set backlog. The pool is
// healthy while every worker runs and at least one of them is not stuck on
// a single tick for longer than the stall threshold.
type HealthMonitor struct {
	pool       *Pool
	interval   time.Duration
	stallAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	lastBacklog int
	growing     int
}

// HealthStatus is one sample of the pool
type HealthStatus struct {
	TotalWorkers   int `json:"total_workers"`
	IdleWorkers    int `json:"idle_workers"`
	BusyWorkers    int `json:"busy_workers"`
	StoppedWorkers int `json:"stopped_workers"`
	// StalledWorkers counts busy workers whose current tick exceeds the
	// stall threshold.
	StalledWorkers int      `json:"stalled_workers"`
	StalledSets    []string `json:"stalled_sets,omitempty"`
	Backlog        int      `json:"backlog"`
	// LongestTick is the age of the oldest tick in progress.
	LongestTick time.Duration `json:"longest_tick_ns"`
	Healthy     bool          `json:"healthy"`
	Timestamp   time.Time     `json:"timestamp"`
}

// NewHealthMonitor creates a health monitor for pool
func NewHealthMonitor(pool *Pool, interval, stallAfter time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		pool:       pool,
		interval:   interval,
		stallAfter: stallAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// run samples the pool until ctx is done
func (h *HealthMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.check()
		}
	}
}

// check records a sample as metrics and warns about stalls and a growing
// backlog.
func (h *HealthMonitor) check() *HealthStatus {
	status := h.GetStatus()

	h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)

	h.logger.Debug("worker pool health check",
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("stalled", status.StalledWorkers),
		zap.Int("backlog", status.Backlog),
		zap.Duration("longest_tick", status.LongestTick))

	if status.StalledWorkers > 0 {
		h.logger.Warn("set ticks exceed stall threshold",
			zap.Strings("set_ids", status.StalledSets),
			zap.Duration("longest_tick", status.LongestTick),
			zap.Duration("stall_after", h.stallAfter))
	}

	h.mu.Lock()
	saturated := status.TotalWorkers > 0 && status.IdleWorkers == 0
	if saturated && status.Backlog > h.lastBacklog {
		h.growing++
	} else {
		h.growing = 0
	}
	h.lastBacklog = status.Backlog
	behind := h.growing >= backlogGrowthChecks
	h.mu.Unlock()

	if behind {
		h.logger.Warn("set backlog keeps growing, sweeps are falling behind",
			zap.Int("backlog", status.Backlog),
			zap.Int("workers", status.TotalWorkers))
	}
	return status
}

// GetStatus samples the pool now
func (h *HealthMonitor) GetStatus() *HealthStatus {
	now := h.now()
	status := &HealthStatus{
		Backlog:   h.pool.QueueLen(),
		Timestamp: now,
	}

	for _, w := range h.pool.snapshot() {
		status.TotalWorkers++
		switch w.status {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusStopped:
			status.StoppedWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
			tick := now.Sub(w.since)
			if tick > status.LongestTick {
				status.LongestTick = tick
			}
			if h.stallAfter > 0 && tick > h.stallAfter {
				status.StalledWorkers++
				status.StalledSets = append(status.StalledSets, w.setID)
			}
		}
	}

	status.Healthy = status.TotalWorkers > 0 &&
		status.StoppedWorkers == 0 &&
		status.StalledWorkers < status.TotalWorkers
	return status
}

// IsHealthy reports whether the pool is healthy now
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}

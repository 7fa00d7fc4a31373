package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"go.uber.org/zap"
)

// Processor advances one validation set by one tick.
type Processor interface {
	Process(ctx context.Context, setID string) error
}

// Lister lists the sets still to be driven to a terminal state.
type Lister interface {
	ActiveSetIDs(ctx context.Context) ([]string, error)
}

// Config holds the pool settings
type Config struct {
	Size                int
	QueueSize           int
	SweepInterval       time.Duration
	HealthCheckInterval time.Duration
	// StallAfter marks a worker stalled once its current tick runs longer.
	StallAfter time.Duration
}

// Pool manages a pool of worker goroutines
type Pool struct {
	cfg       Config
	processor Processor
	lister    Lister
	eventBus  ports.EventBus
	results   ports.ResultStore
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	health    *HealthMonitor

	queue  chan string
	mu     sync.Mutex
	states map[string]entryState

	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

type entryState int

const (
	entryQueued entryState = iota + 1
	entryRunning
	// entryRerun marks a running set that was enqueued again meanwhile.
	entryRerun
)

// worker represents a single worker goroutine
type worker struct {
	id      string
	pool    *Pool
	status  WorkerStatus
	mu      sync.RWMutex
	lastJob time.Time
	setID   string
}

// workerSnapshot is a point-in-time view of one worker
type workerSnapshot struct {
	status WorkerStatus
	since  time.Time
	setID  string
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool. eventBus and results may be nil, in
// which case completions are not consumed and sets only advance on sweeps
// and explicit enqueues.
func NewPool(
	cfg Config,
	processor Processor,
	lister Lister,
	eventBus ports.EventBus,
	results ports.ResultStore,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.QueueSize < cfg.Size {
		cfg.QueueSize = cfg.Size * 64
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		cfg:       cfg,
		processor: processor,
		lister:    lister,
		eventBus:  eventBus,
		results:   results,
		metrics:   metrics,
		logger:    logger,
		queue:     make(chan string, cfg.QueueSize),
		states:    make(map[string]entryState),
		workers:   make([]*worker, cfg.Size),
		ctx:       ctx,
		cancel:    cancel,
	}

	pool.health = NewHealthMonitor(pool, cfg.HealthCheckInterval, cfg.StallAfter, logger)

	return pool
}

// Start starts the workers, the completion consumer and the sweeper
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.cfg.Size))

	if p.eventBus != nil && p.results != nil {
		if err := p.eventBus.Subscribe(p.ctx, domain.TopicCompletions, p.handleCompletion); err != nil {
			return fmt.Errorf("subscribe to completions: %w", err)
		}
	}

	for i := 0; i < p.cfg.Size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  WorkerStatusIdle,
			lastJob: p.health.now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	if p.lister != nil {
		p.wg.Add(1)
		go p.sweepLoop(p.ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.health.run(p.ctx)
	}()

	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Size))
	return nil
}

// Enqueue schedules a set for processing. It returns false when the set is
// already queued or the queue is full. A set being processed is processed
// once more afterwards.
func (p *Pool) Enqueue(setID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.states[setID] {
	case entryQueued, entryRerun:
		return false
	case entryRunning:
		p.states[setID] = entryRerun
		return true
	}
	return p.push(setID)
}

// push requires p.mu
func (p *Pool) push(setID string) bool {
	select {
	case p.queue <- setID:
		p.states[setID] = entryQueued
		return true
	default:
		delete(p.states, setID)
		p.logger.Warn("set queue full, deferring to next sweep", zap.String("set_id", setID))
		return false
	}
}

// QueueLen returns the number of queued sets
func (p *Pool) QueueLen() int {
	return len(p.queue)
}

// Sweep enqueues every active set
func (p *Pool) Sweep(ctx context.Context) error {
	ids, err := p.lister.ActiveSetIDs(ctx)
	if err != nil {
		return err
	}
	queued := 0
	for _, id := range ids {
		if p.Enqueue(id) {
			queued++
		}
	}
	p.logger.Debug("swept active sets",
		zap.Int("active", len(ids)),
		zap.Int("queued", queued))
	return nil
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("sweep failed", zap.Error(err))
	}
	if p.cfg.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// handleCompletion stores a worker's completion and fast-tracks its set.
// A storage failure is returned so the bus redelivers the event.
func (p *Pool) handleCompletion(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventTypeStepCompleted || event.RequestID == "" {
		return nil
	}

	completion := ports.Completion{Attempt: event.Attempt, NotReady: event.NotReady}
	if event.Result != nil {
		completion.Result = *event.Result
	}
	if err := p.results.PutResult(ctx, event.RequestID, completion); err != nil {
		return fmt.Errorf("store completion of %s: %w", event.RequestID, err)
	}

	p.logger.Debug("completion received",
		zap.String("set_id", event.SetID),
		zap.String("request_id", event.RequestID),
		zap.String("step", event.StepName),
		zap.Bool("not_ready", event.NotReady))

	if event.SetID != "" {
		p.Enqueue(event.SetID)
	}
	return nil
}

// Shutdown gracefully shuts down the worker pool
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// snapshot returns the state of every started worker
func (p *Pool) snapshot() []workerSnapshot {
	out := make([]workerSnapshot, 0, len(p.workers))
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		out = append(out, workerSnapshot{status: w.status, since: w.lastJob, setID: w.setID})
		w.mu.RUnlock()
	}
	return out
}

// Health returns the pool's health monitor
func (p *Pool) Health() *HealthMonitor {
	return p.health
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped, "")
			w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
			return
		case setID := <-w.pool.queue:
			w.process(ctx, setID)
		}
	}
}

func (w *worker) setStatus(s WorkerStatus, setID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = s
	w.setID = setID
	if s == WorkerStatusBusy {
		w.lastJob = w.pool.health.now()
	}
}

// process runs one tick of a set
func (w *worker) process(ctx context.Context, setID string) {
	p := w.pool
	p.mu.Lock()
	p.states[setID] = entryRunning
	p.mu.Unlock()

	w.setStatus(WorkerStatusBusy, setID)
	defer w.setStatus(WorkerStatusIdle, "")

	startTime := time.Now()
	err := p.processor.Process(ctx, setID)

	switch {
	case err == nil:
		p.logger.Debug("set processed",
			zap.String("worker_id", w.id),
			zap.String("set_id", setID),
			zap.Duration("duration", time.Since(startTime)))
	case errors.Is(err, domain.ErrHalted):
		p.logger.Debug("skipping halted set",
			zap.String("worker_id", w.id),
			zap.String("set_id", setID))
	case errors.Is(err, context.Canceled):
	default:
		p.logger.Error("failed to process set",
			zap.String("worker_id", w.id),
			zap.String("set_id", setID),
			zap.Error(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.states[setID] == entryRerun && ctx.Err() == nil {
		p.push(setID)
		return
	}
	delete(p.states, setID)
}

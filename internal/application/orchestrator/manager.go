package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds the manager's orchestration settings
type Config struct {
	DedupWindow             time.Duration
	MaxLifetime             time.Duration
	MaxConcurrentOperations int
	MissingArtifactRetries  int
	MissingArtifactRecheck  time.Duration
	TransientRetries        int
	TransientRetryDelay     time.Duration
	MaxStartFailures        int
	// ConflictRetries bounds re-read/recompute cycles after a lost
	// optimistic update.
	ConflictRetries int
}

// Trigger schedules a set for prompt processing.
type Trigger interface {
	Enqueue(setID string) bool
}

// Manager coordinates validation sets: it admits submissions, advances sets
// one tick at a time and reports terminal outcomes.
type Manager struct {
	graph     *Graph
	scheduler *Scheduler
	store     ports.SetStore
	eventBus  ports.EventBus
	notifier  ports.Notifier
	rate      ports.RateRecorder
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	cfg       Config
	retry     retrier
	now       func() time.Time

	mu      sync.RWMutex
	trigger Trigger
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRateRecorder records every created set as an admission event.
func WithRateRecorder(rate ports.RateRecorder) Option {
	return func(m *Manager) {
		m.rate = rate
	}
}

// WithEventBus publishes set lifecycle events on the bus.
func WithEventBus(bus ports.EventBus) Option {
	return func(m *Manager) {
		m.eventBus = bus
	}
}

// NewManager creates a new orchestrator manager
func NewManager(
	graph *Graph,
	validators map[string]ports.Validator,
	store ports.SetStore,
	notifier ports.Notifier,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	cfg Config,
	opts ...Option,
) *Manager {
	m := &Manager{
		graph:    graph,
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.retry = retrier{
		retries: cfg.TransientRetries,
		delay:   cfg.TransientRetryDelay,
		metrics: metrics,
		logger:  logger,
	}
	m.scheduler = NewScheduler(graph, validators, Policy{
		MaxLifetime:             cfg.MaxLifetime,
		MissingArtifactRetries:  cfg.MissingArtifactRetries,
		MissingArtifactRecheck:  cfg.MissingArtifactRecheck,
		MaxConcurrentOperations: cfg.MaxConcurrentOperations,
		TransientRetries:        cfg.TransientRetries,
		TransientRetryDelay:     cfg.TransientRetryDelay,
		MaxStartFailures:        cfg.MaxStartFailures,
	}, metrics, logger, m.now)

	return m
}

// SetTrigger registers where newly created sets are scheduled.
func (m *Manager) SetTrigger(t Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigger = t
}

// Graph returns the configured step graph.
func (m *Manager) Graph() *Graph {
	return m.graph
}

// Submit creates the validation set for an artifact, or returns the active
// set already collecting submissions for the same identity. The boolean is
// true when a new set was created.
func (m *Manager) Submit(ctx context.Context, sub domain.Submission) (*domain.ValidationSet, bool, error) {
	if err := sub.Artifact.Validate(); err != nil {
		m.metrics.RecordSetSubmitted("rejected")
		return nil, false, err
	}
	key := sub.Artifact

	for attempt := 0; attempt <= m.cfg.ConflictRetries; attempt++ {
		existing, err := m.findActive(ctx, key)
		if err == nil {
			m.metrics.RecordSetSubmitted("deduplicated")
			m.logger.Info("submission folded into active validation set",
				zap.String("set_id", existing.ID),
				zap.String("artifact", key.String()),
				zap.String("source", sub.Source))
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("find active set: %w", err)
		}

		set := m.newSet(key)
		err = m.retry.do(ctx, "create_set", func() error {
			return m.store.CreateSet(ctx, set, m.cfg.DedupWindow)
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Lost the race against a concurrent submission; fold into it.
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("create set: %w", err)
		}

		m.created(ctx, set, sub)
		return set, true, nil
	}

	return nil, false, fmt.Errorf("submit %s: %w", key, domain.ErrConflict)
}

func (m *Manager) newSet(key domain.ArtifactKey) *domain.ValidationSet {
	now := m.now()
	return &domain.ValidationSet{
		ID:            uuid.NewString(),
		Artifact:      domain.ArtifactKey{ID: strings.TrimSpace(key.ID), Version: strings.TrimSpace(key.Version)},
		CreatedAt:     now,
		UpdatedAt:     now,
		OverallStatus: domain.SetNotStarted,
	}
}

func (m *Manager) created(ctx context.Context, set *domain.ValidationSet, sub domain.Submission) {
	m.metrics.RecordSetSubmitted("created")
	m.logger.Info("validation set created",
		zap.String("set_id", set.ID),
		zap.String("artifact_id", set.Artifact.ID),
		zap.String("artifact_version", set.Artifact.Version),
		zap.String("source", sub.Source))

	if m.rate != nil {
		if err := m.rate.Record(ctx, set.CreatedAt); err != nil {
			m.logger.Warn("failed to record admission event", zap.Error(err))
		}
	}
	m.publish(ctx, domain.EventTypeSetCreated, set)

	m.mu.RLock()
	trigger := m.trigger
	m.mu.RUnlock()
	if trigger != nil {
		trigger.Enqueue(set.ID)
	}
}

// Process advances one set by one tick. It re-reads the persisted set,
// persists the plan (so Start is never issued twice), runs the validator
// calls and persists their results. Lost optimistic updates are retried by
// re-reading and recomputing. A terminal set whose outcome was not delivered
// yet is notified again.
func (m *Manager) Process(ctx context.Context, setID string) error {
	set, plan, err := m.plan(ctx, setID)
	if err != nil || set == nil {
		return err
	}
	if set.OverallStatus.IsTerminal() {
		if plan.Changed {
			m.completed(set)
		}
		return m.deliver(ctx, set)
	}
	if len(plan.Calls) == 0 {
		return nil
	}

	outcomes := m.scheduler.Execute(ctx, set.Clone(), plan)

	for attempt := 0; ; attempt++ {
		tr, fault := m.scheduler.Apply(set, outcomes)
		err := m.save(ctx, set)
		if err == nil {
			m.recordTransition(tr)
			if fault != nil {
				m.halted(set, fault)
				return fmt.Errorf("process set %s: %w", setID, fault)
			}
			if tr.To.IsTerminal() && tr.From != tr.To {
				m.completed(set)
				return m.deliver(ctx, set)
			}
			m.publish(ctx, domain.EventTypeSetUpdated, set)
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= m.cfg.ConflictRetries {
			return fmt.Errorf("save results of set %s: %w", setID, err)
		}

		m.metrics.RecordConflict()
		m.logger.Debug("conflicting update, reapplying results",
			zap.String("set_id", setID),
			zap.Int("attempt", attempt+1))

		set, err = m.load(ctx, setID)
		if err != nil {
			return err
		}
		if set.OverallStatus.IsTerminal() || set.Fault != "" {
			return nil
		}
	}
}

// plan loads the set and persists the tick plan, retrying on conflicts.
// A nil set means there is nothing to do. A terminal set is returned only
// while its outcome is undelivered.
func (m *Manager) plan(ctx context.Context, setID string) (*domain.ValidationSet, TickPlan, error) {
	for attempt := 0; ; attempt++ {
		set, err := m.load(ctx, setID)
		if err != nil {
			return nil, TickPlan{}, err
		}
		if set.OverallStatus.IsTerminal() {
			if set.NotifiedAt == nil {
				return set, TickPlan{}, nil
			}
			return nil, TickPlan{}, nil
		}

		plan := m.scheduler.Plan(set)
		if !plan.Changed {
			if set.Fault != "" {
				return nil, TickPlan{}, fmt.Errorf("process set %s: %w: %s", setID, domain.ErrHalted, set.Fault)
			}
			return set, plan, nil
		}

		err = m.save(ctx, set)
		if err == nil {
			return set, plan, nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= m.cfg.ConflictRetries {
			return nil, TickPlan{}, fmt.Errorf("save plan of set %s: %w", setID, err)
		}
		m.metrics.RecordConflict()
	}
}

func (m *Manager) load(ctx context.Context, setID string) (*domain.ValidationSet, error) {
	var set *domain.ValidationSet
	err := m.retry.do(ctx, "get_set", func() error {
		var err error
		set, err = m.store.GetSet(ctx, setID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load set %s: %w", setID, err)
	}
	return set, nil
}

func (m *Manager) save(ctx context.Context, set *domain.ValidationSet) error {
	set.UpdatedAt = m.now()
	return m.retry.do(ctx, "update_set", func() error {
		return m.store.UpdateSet(ctx, set)
	})
}

func (m *Manager) findActive(ctx context.Context, key domain.ArtifactKey) (*domain.ValidationSet, error) {
	var set *domain.ValidationSet
	err := m.retry.do(ctx, "find_active_set", func() error {
		var err error
		set, err = m.store.FindActiveSet(ctx, key, m.cfg.DedupWindow, m.now())
		return err
	})
	return set, err
}

func (m *Manager) recordTransition(tr Transition) {
	for _, req := range tr.CompletedSteps {
		m.metrics.RecordStepResult(req.StepName, string(req.Status))
	}
}

func (m *Manager) halted(set *domain.ValidationSet, fault error) {
	step := ""
	var ive *domain.InvariantViolationError
	if errors.As(fault, &ive) {
		step = ive.Step
	}
	m.metrics.RecordInvariantViolation(step)
	m.logger.Error("invariant violation halted validation set",
		zap.Bool("critical", true),
		zap.String("set_id", set.ID),
		zap.String("artifact", set.Artifact.String()),
		zap.String("step", step),
		zap.Error(fault))
}

// completed records the transition of a set to a terminal status
func (m *Manager) completed(set *domain.ValidationSet) {
	outcome := domain.NewOutcome(set)
	m.metrics.RecordSetCompleted(string(set.OverallStatus), outcome.CompletedAt.Sub(set.CreatedAt))

	m.logger.Info("validation set completed",
		zap.String("set_id", set.ID),
		zap.String("artifact", set.Artifact.String()),
		zap.String("status", string(set.OverallStatus)),
		zap.String("fault", set.Fault),
		zap.Int("issues", len(outcome.Issues)))
}

// deliver hands the outcome of a terminal set to the notifier and records
// the delivery on the set. Until NotifiedAt is persisted the set stays
// listed, so a failed or interrupted delivery is repeated on a later tick.
// Notifiers may therefore see an outcome more than once.
func (m *Manager) deliver(ctx context.Context, set *domain.ValidationSet) error {
	if set.NotifiedAt != nil {
		return nil
	}

	if m.notifier != nil {
		outcome := domain.NewOutcome(set)
		err := m.retry.do(ctx, "notify", func() error {
			return m.notifier.Notify(ctx, outcome)
		})
		if err != nil {
			m.logger.Error("failed to notify outcome, will retry",
				zap.String("set_id", set.ID),
				zap.Error(err))
			return fmt.Errorf("notify outcome of set %s: %w", set.ID, err)
		}
	}

	for attempt := 0; ; attempt++ {
		notified := m.now()
		set.NotifiedAt = &notified
		err := m.save(ctx, set)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= m.cfg.ConflictRetries {
			return fmt.Errorf("record delivery of set %s: %w", set.ID, err)
		}
		m.metrics.RecordConflict()

		set, err = m.load(ctx, set.ID)
		if err != nil {
			return err
		}
		if set.NotifiedAt != nil {
			return nil
		}
	}
}

func (m *Manager) publish(ctx context.Context, eventType domain.EventType, set *domain.ValidationSet) {
	if m.eventBus == nil {
		return
	}
	event := domain.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: m.now(),
		SetID:     set.ID,
		Artifact:  set.Artifact,
		Status:    set.OverallStatus,
	}
	if err := m.eventBus.Publish(ctx, domain.TopicSets, event); err != nil {
		m.logger.Warn("failed to publish set event",
			zap.String("set_id", set.ID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

// GetSet returns the persisted set.
func (m *Manager) GetSet(ctx context.Context, setID string) (*domain.ValidationSet, error) {
	return m.load(ctx, setID)
}

// FindActive returns the active set for an artifact, or domain.ErrNotFound.
func (m *Manager) FindActive(ctx context.Context, key domain.ArtifactKey) (*domain.ValidationSet, error) {
	return m.findActive(ctx, key)
}

// ActiveSetIDs lists the sets still pending: non-terminal sets and
// terminal sets whose outcome was not delivered yet.
func (m *Manager) ActiveSetIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := m.retry.do(ctx, "list_active_sets", func() error {
		var err error
		ids, err = m.store.ListActiveSetIDs(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list active sets: %w", err)
	}
	m.metrics.SetActiveSets(len(ids))
	return ids, nil
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")
	m.SetTrigger(nil)
	m.logger.Info("orchestrator manager shut down complete")
	return nil
}

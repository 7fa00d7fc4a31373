package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Policy holds the scheduling limits applied to every set.
type Policy struct {
	// MaxLifetime forces a set to TimedOut once it has been running this long.
	MaxLifetime time.Duration
	// MissingArtifactRetries is the number of not-ready answers a step may
	// give before it is marked failed.
	MissingArtifactRetries int
	// MissingArtifactRecheck is the delay before asking again.
	MissingArtifactRecheck time.Duration
	// MaxConcurrentOperations bounds concurrent Start/Poll calls per tick.
	MaxConcurrentOperations int
	// TransientRetries and TransientRetryDelay govern retries of validator
	// calls failing with infrastructure faults.
	TransientRetries    int
	TransientRetryDelay time.Duration
	// MaxStartFailures is the number of transiently failed Start calls after
	// which a step is marked failed. Any other Start error fails the step
	// at once.
	MaxStartFailures int
}

// CallKind distinguishes Start from Poll calls.
type CallKind string

const (
	CallStart CallKind = "start"
	CallPoll  CallKind = "poll"
)

// StepCall is one validator invocation planned for a tick.
type StepCall struct {
	Kind      CallKind
	RequestID string
	Step      string
	Attempt   int
}

// TickPlan is the result of planning one tick.
type TickPlan struct {
	Calls []StepCall
	// Changed reports whether planning mutated the set, which then must be
	// persisted before any call is made.
	Changed bool
}

// StepOutcome is the result of one executed call.
type StepOutcome struct {
	Call   StepCall
	Result domain.StepResult
	Err    error
}

// Transition summarizes what applying outcomes did to a set.
type Transition struct {
	From           domain.OverallStatus
	To             domain.OverallStatus
	CompletedSteps []*domain.StepRequest
	NotReadySteps  []string
}

// Scheduler decides, for one set at a time, which steps to start or poll,
// and folds validator results back into the set.
type Scheduler struct {
	graph      *Graph
	validators map[string]ports.Validator
	policy     Policy
	retry      retrier
	metrics    ports.MetricsCollector
	logger     *zap.Logger
	now        func() time.Time
}

// NewScheduler creates a scheduler for the graph.
func NewScheduler(
	graph *Graph,
	validators map[string]ports.Validator,
	policy Policy,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	now func() time.Time,
) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if policy.MaxConcurrentOperations < 1 {
		policy.MaxConcurrentOperations = 1
	}
	if policy.MaxStartFailures < 1 {
		policy.MaxStartFailures = 1
	}
	return &Scheduler{
		graph:      graph,
		validators: validators,
		policy:     policy,
		retry: retrier{
			retries: policy.TransientRetries,
			delay:   policy.TransientRetryDelay,
			metrics: metrics,
			logger:  logger,
		},
		metrics: metrics,
		logger:  logger,
		now:     now,
	}
}

// Plan evaluates the set and mutates it in place: it creates requests for
// steps whose dependencies succeeded, marks the requests about to be started
// as issued, and applies the lifetime timeout. The set must be persisted
// before the returned calls are executed. A halted set is only timed out.
func (s *Scheduler) Plan(set *domain.ValidationSet) TickPlan {
	var plan TickPlan
	if set.OverallStatus.IsTerminal() {
		return plan
	}

	now := s.now()
	if s.expired(set, now) {
		s.complete(set, domain.SetTimedOut, now)
		plan.Changed = true
		return plan
	}
	if set.Fault != "" {
		return plan
	}

	if status := Aggregate(s.graph, set); status.IsTerminal() {
		s.complete(set, status, now)
		plan.Changed = true
		return plan
	}

	for _, def := range s.graph.Steps() {
		req := set.Request(def.Name)
		if req == nil {
			if !dependenciesSucceeded(set, def) {
				continue
			}
			req = newRequest(set, def, now)
			set.Requests = append(set.Requests, req)
			plan.Changed = true
		}

		if req.Status.IsTerminal() {
			continue
		}
		if req.NextCheckAt != nil && now.Before(*req.NextCheckAt) {
			continue
		}

		switch {
		case def.ShouldStart && req.StartIssuedAt == nil:
			issued := now
			req.StartIssuedAt = &issued
			req.NextCheckAt = nil
			req.AttemptCount++
			plan.Changed = true
			plan.Calls = append(plan.Calls, StepCall{
				Kind:      CallStart,
				RequestID: req.ID,
				Step:      def.Name,
				Attempt:   req.AttemptCount,
			})
		case trackable(def, req, now):
			plan.Calls = append(plan.Calls, StepCall{
				Kind:      CallPoll,
				RequestID: req.ID,
				Step:      def.Name,
				Attempt:   req.AttemptCount,
			})
		}
	}

	if set.OverallStatus == domain.SetNotStarted && len(set.Requests) > 0 {
		set.OverallStatus = domain.SetRunning
		plan.Changed = true
	}
	return plan
}

// Execute runs the planned calls concurrently, bounded by
// MaxConcurrentOperations. Errors are captured per call.
func (s *Scheduler) Execute(ctx context.Context, set *domain.ValidationSet, plan TickPlan) []StepOutcome {
	outcomes := make([]StepOutcome, len(plan.Calls))

	var g errgroup.Group
	g.SetLimit(s.policy.MaxConcurrentOperations)

	for i, call := range plan.Calls {
		i, call := i, call
		outcomes[i].Call = call

		req := set.RequestByID(call.RequestID)
		validator, ok := s.validators[call.Step]
		if req == nil || !ok {
			outcomes[i].Err = fmt.Errorf("no request or validator for step %s", call.Step)
			continue
		}
		snapshot := set.Clone()
		reqCopy := req.Clone()

		g.Go(func() error {
			var result domain.StepResult
			err := s.retry.do(ctx, string(call.Kind)+":"+call.Step, func() error {
				var err error
				if call.Kind == CallStart {
					result, err = validator.Start(ctx, snapshot, reqCopy)
				} else {
					result, err = validator.Poll(ctx, snapshot, reqCopy)
				}
				return err
			})
			if call.Kind == CallStart && err == nil {
				s.metrics.RecordStepStarted(call.Step)
			}
			outcomes[i].Result = result
			outcomes[i].Err = err
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

// Apply folds call outcomes into the set and recomputes its overall status.
// Outcomes for requests that moved on since planning are ignored, so Apply
// can be repeated on a freshly read copy after a conflicting update.
// An invariant violation records the fault on the set and is returned.
func (s *Scheduler) Apply(set *domain.ValidationSet, outcomes []StepOutcome) (Transition, error) {
	tr := Transition{From: set.OverallStatus, To: set.OverallStatus}
	if set.OverallStatus.IsTerminal() || set.Fault != "" {
		return tr, nil
	}

	now := s.now()
	var fault error

	for _, out := range outcomes {
		req := set.RequestByID(out.Call.RequestID)
		if req == nil || req.Status.IsTerminal() || req.AttemptCount != out.Call.Attempt {
			continue
		}
		if out.Call.Kind == CallStart && (req.StartIssuedAt == nil || req.StartedAt != nil) {
			continue
		}
		switch {
		case out.Err == nil:
			s.applyResult(req, out.Call.Kind, out.Result, now)
		case errors.Is(out.Err, domain.ErrInvariantViolation):
			if fault == nil {
				fault = out.Err
				set.Fault = out.Err.Error()
			}
		case errors.Is(out.Err, domain.ErrArtifactNotReady):
			tr.NotReadySteps = append(tr.NotReadySteps, req.StepName)
			s.applyNotReady(req, out.Call.Kind, now)
		case out.Call.Kind == CallStart:
			s.applyStartFailure(set, req, out.Err, now)
		default:
			s.logger.Warn("validator poll failed",
				zap.String("set_id", set.ID),
				zap.String("step", req.StepName),
				zap.Error(out.Err))
			checked := now
			req.LastCheckedAt = &checked
		}

		if req.Status.IsTerminal() {
			tr.CompletedSteps = append(tr.CompletedSteps, req)
		}
	}

	if fault != nil {
		return tr, fault
	}

	status := Aggregate(s.graph, set)
	if !status.IsTerminal() && s.expired(set, now) {
		status = domain.SetTimedOut
	}
	if status.IsTerminal() {
		s.complete(set, status, now)
	} else if status != set.OverallStatus {
		set.OverallStatus = status
	}
	tr.To = set.OverallStatus
	return tr, nil
}

func (s *Scheduler) applyResult(req *domain.StepRequest, kind CallKind, result domain.StepResult, now time.Time) {
	checked := now
	req.LastCheckedAt = &checked
	if kind == CallStart {
		started := now
		req.StartedAt = &started
	}
	req.NextCheckAt = nil

	status := result.Status
	if status == domain.StepNotStarted || status == "" {
		if kind == CallPoll && req.StartIssuedAt == nil {
			// Externally started step that has not begun yet.
			return
		}
		status = domain.StepIncomplete
	}

	req.Status = status
	req.Issues = append([]domain.Issue(nil), result.Issues...)
	if result.ReplacementArtifactRef != "" {
		req.ReplacementArtifactRef = result.ReplacementArtifactRef
	}
	if status.IsTerminal() {
		completed := now
		req.CompletedAt = &completed
	}
}

// applyNotReady handles a step that could not see the artifact yet. The step
// is asked again after MissingArtifactRecheck until MissingArtifactRetries
// answers have been collected, then it fails. Steps started here are started
// again; steps started elsewhere are only polled again.
func (s *Scheduler) applyNotReady(req *domain.StepRequest, kind CallKind, now time.Time) {
	s.metrics.RecordMissingArtifactRetry(req.StepName)

	req.MissingArtifactRetries++
	checked := now
	req.LastCheckedAt = &checked

	if req.MissingArtifactRetries >= s.policy.MissingArtifactRetries {
		completed := now
		req.Status = domain.StepFailed
		req.CompletedAt = &completed
		req.NextCheckAt = nil
		req.Issues = []domain.Issue{{
			Code: domain.IssueArtifactNotFound,
			Data: fmt.Sprintf("artifact not available after %d checks", req.MissingArtifactRetries),
		}}
		s.logger.Warn("step gave up waiting for artifact",
			zap.String("step", req.StepName),
			zap.String("request_id", req.ID),
			zap.Int("retries", req.MissingArtifactRetries))
		return
	}

	next := now.Add(s.policy.MissingArtifactRecheck)
	req.NextCheckAt = &next
	if kind == CallStart || req.StartIssuedAt != nil {
		// The work never ran, so the step is started again on recheck.
		req.StartIssuedAt = nil
		req.StartedAt = nil
		req.Status = domain.StepNotStarted
	}
}

// applyStartFailure handles a failed Start call. A transient failure lets
// the next tick issue the start again, up to MaxStartFailures times. Any
// other failure fails the step, since Start may not be called twice.
func (s *Scheduler) applyStartFailure(set *domain.ValidationSet, req *domain.StepRequest, err error, now time.Time) {
	req.StartFailures++
	checked := now
	req.LastCheckedAt = &checked

	if domain.IsTransient(err) && req.StartFailures < s.policy.MaxStartFailures {
		s.logger.Warn("step start failed, issuing again",
			zap.String("set_id", set.ID),
			zap.String("step", req.StepName),
			zap.Int("failures", req.StartFailures),
			zap.Error(err))
		req.StartIssuedAt = nil
		return
	}

	s.logger.Error("step could not be started",
		zap.String("set_id", set.ID),
		zap.String("step", req.StepName),
		zap.String("request_id", req.ID),
		zap.Int("failures", req.StartFailures),
		zap.Error(err))
	completed := now
	req.Status = domain.StepFailed
	req.CompletedAt = &completed
	req.NextCheckAt = nil
	req.Issues = []domain.Issue{{Code: domain.IssueStartFailed, Data: err.Error()}}
}

func (s *Scheduler) expired(set *domain.ValidationSet, now time.Time) bool {
	if s.policy.MaxLifetime <= 0 {
		return false
	}
	return !now.Before(set.CreatedAt.Add(s.policy.MaxLifetime))
}

func (s *Scheduler) complete(set *domain.ValidationSet, status domain.OverallStatus, now time.Time) {
	completed := now
	set.OverallStatus = status
	set.CompletedAt = &completed
}

// dependenciesSucceeded reports whether every required step has a
// succeeded request
func dependenciesSucceeded(set *domain.ValidationSet, def domain.StepDefinition) bool {
	for _, dep := range def.RequiredSteps {
		req := set.Request(dep)
		if req == nil || req.Status != domain.StepSucceeded {
			return false
		}
	}
	return true
}

// trackable reports whether the request is due for polling. Polling starts
// once the TrackAfter grace period has elapsed since the step was started,
// or since the request was created for steps started elsewhere.
func trackable(def domain.StepDefinition, req *domain.StepRequest, now time.Time) bool {
	base := req.CreatedAt
	switch {
	case req.StartedAt != nil:
		base = *req.StartedAt
	case req.StartIssuedAt != nil:
		base = *req.StartIssuedAt
	case def.ShouldStart:
		return false
	}
	return !now.Before(base.Add(def.TrackAfter))
}

func newRequest(set *domain.ValidationSet, def domain.StepDefinition, now time.Time) *domain.StepRequest {
	return &domain.StepRequest{
		ID:              uuid.NewString(),
		ValidationSetID: set.ID,
		StepName:        def.Name,
		Status:          domain.StepNotStarted,
		CreatedAt:       now,
	}
}

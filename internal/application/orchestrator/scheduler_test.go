package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/valset/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestScheduler(t *testing.T, defs []domain.StepDefinition, vals map[string]*scriptedValidator, clock *fakeClock) *Scheduler {
	t.Helper()
	return newTestSchedulerWithMetrics(t, defs, vals, clock, newMetrics())
}

func newTestSchedulerWithMetrics(t *testing.T, defs []domain.StepDefinition, vals map[string]*scriptedValidator, clock *fakeClock, metrics ports.MetricsCollector) *Scheduler {
	t.Helper()
	g, err := NewGraph(defs)
	require.NoError(t, err)

	validators := make(map[string]ports.Validator, len(vals))
	for name, v := range vals {
		validators[name] = v
	}
	cfg := testConfig()
	return NewScheduler(g, validators, Policy{
		MaxLifetime:             cfg.MaxLifetime,
		MissingArtifactRetries:  cfg.MissingArtifactRetries,
		MissingArtifactRecheck:  cfg.MissingArtifactRecheck,
		MaxConcurrentOperations: 2,
	}, metrics, zaptest.NewLogger(t), clock.Now)
}

func TestPlanMarksStartIssued(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(t, []domain.StepDefinition{
		step("A", domain.MustSucceed),
		step("B", domain.MustSucceed, "A"),
	}, map[string]*scriptedValidator{"A": {}, "B": {}}, clock)
	set := &domain.ValidationSet{ID: "set-1", CreatedAt: clock.Now(), OverallStatus: domain.SetNotStarted}

	plan := s.Plan(set)

	assert.True(t, plan.Changed)
	require.Len(t, plan.Calls, 1)
	assert.Equal(t, CallStart, plan.Calls[0].Kind)
	assert.Equal(t, "A", plan.Calls[0].Step)
	assert.Equal(t, 1, plan.Calls[0].Attempt)
	assert.Equal(t, domain.SetRunning, set.OverallStatus)

	req := set.Request("A")
	require.NotNil(t, req)
	require.NotNil(t, req.StartIssuedAt)
	assert.Nil(t, set.Request("B"))

	// Replanning the persisted plan never issues a second start.
	again := s.Plan(set)
	assert.False(t, again.Changed)
	for _, call := range again.Calls {
		assert.NotEqual(t, CallStart, call.Kind)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	vals := map[string]*scriptedValidator{"A": {start: always(domain.StepSucceeded)}}
	s := newTestScheduler(t, []domain.StepDefinition{step("A", domain.MustSucceed)}, vals, clock)
	set := &domain.ValidationSet{ID: "set-1", CreatedAt: clock.Now(), OverallStatus: domain.SetNotStarted}

	plan := s.Plan(set)
	outcomes := s.Execute(context.Background(), set.Clone(), plan)
	reloaded := set.Clone()

	tr, err := s.Apply(set, outcomes)
	require.NoError(t, err)
	assert.Equal(t, domain.SetRunning, tr.From)
	assert.Equal(t, domain.SetSucceeded, tr.To)
	require.Len(t, tr.CompletedSteps, 1)

	// Applying to a copy read before the first apply gives the same result.
	tr2, err := s.Apply(reloaded, outcomes)
	require.NoError(t, err)
	assert.Equal(t, domain.SetSucceeded, tr2.To)

	// Applying twice to the same set changes nothing.
	tr3, err := s.Apply(set, outcomes)
	require.NoError(t, err)
	assert.Empty(t, tr3.CompletedSteps)
	assert.Equal(t, 1, vals["A"].Starts())
}

func TestNotReadyOnPollRestartsStep(t *testing.T) {
	clock := newFakeClock()
	vals := map[string]*scriptedValidator{"A": {}}
	s := newTestScheduler(t, []domain.StepDefinition{step("A", domain.MustSucceed)}, vals, clock)
	set := &domain.ValidationSet{ID: "set-1", CreatedAt: clock.Now(), OverallStatus: domain.SetNotStarted}

	plan := s.Plan(set)
	_, err := s.Apply(set, s.Execute(context.Background(), set.Clone(), plan))
	require.NoError(t, err)
	req := set.Request("A")
	require.NotNil(t, req.StartedAt)

	poll := StepCall{Kind: CallPoll, RequestID: req.ID, Step: "A", Attempt: req.AttemptCount}
	_, err = s.Apply(set, []StepOutcome{{Call: poll, Err: domain.ErrArtifactNotReady}})
	require.NoError(t, err)

	assert.Equal(t, domain.StepNotStarted, req.Status)
	assert.Nil(t, req.StartIssuedAt)
	assert.Nil(t, req.StartedAt)
	assert.Equal(t, 1, req.MissingArtifactRetries)
	require.NotNil(t, req.NextCheckAt)
	assert.Equal(t, clock.Now().Add(time.Minute), *req.NextCheckAt)

	clock.Advance(time.Minute)
	next := s.Plan(set)
	require.Len(t, next.Calls, 1)
	assert.Equal(t, CallStart, next.Calls[0].Kind)
	assert.Equal(t, 2, next.Calls[0].Attempt)
}

func TestHaltedSetIsOnlyTimedOut(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(t, []domain.StepDefinition{step("A", domain.MustSucceed)}, map[string]*scriptedValidator{"A": {}}, clock)
	set := &domain.ValidationSet{ID: "set-1", CreatedAt: clock.Now(), OverallStatus: domain.SetRunning, Fault: "invariant violation"}

	clock.Advance(time.Hour)
	plan := s.Plan(set)
	assert.False(t, plan.Changed)
	assert.Empty(t, plan.Calls)
	assert.Empty(t, set.Requests)
	assert.Equal(t, domain.SetRunning, set.OverallStatus)

	clock.Advance(47 * time.Hour)
	plan = s.Plan(set)
	assert.True(t, plan.Changed)
	assert.Empty(t, plan.Calls)
	assert.Equal(t, domain.SetTimedOut, set.OverallStatus)
	require.NotNil(t, set.CompletedAt)
	assert.Equal(t, "invariant violation", set.Fault)
}

func TestFailedStartIsNotCounted(t *testing.T) {
	clock := newFakeClock()
	reg := prom.NewRegistry()
	vals := map[string]*scriptedValidator{
		"A": {start: func(int) (domain.StepResult, error) { return domain.StepResult{}, errors.New("rejected") }},
		"B": {},
	}
	s := newTestSchedulerWithMetrics(t,
		[]domain.StepDefinition{step("A", domain.MustSucceed), step("B", domain.MustSucceed)},
		vals, clock, prometheus.NewCollector(reg))
	set := &domain.ValidationSet{ID: "set-1", CreatedAt: clock.Now(), OverallStatus: domain.SetNotStarted}

	plan := s.Plan(set)
	require.Len(t, plan.Calls, 2)
	s.Execute(context.Background(), set, plan)

	started, err := testutil.GatherAndCount(reg, "valset_steps_started_total")
	require.NoError(t, err)
	assert.Equal(t, 1, started)
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	clock := newFakeClock()
	defs := []domain.StepDefinition{
		step("A", domain.MustSucceed),
		step("B", domain.MustSucceed),
		step("C", domain.MustSucceed),
		step("D", domain.MustSucceed),
	}

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	track := func(int) (domain.StepResult, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return domain.StepResult{Status: domain.StepSucceeded}, nil
	}
	vals := map[string]*scriptedValidator{}
	for _, def := range defs {
		vals[def.Name] = &scriptedValidator{start: track}
	}
	s := newTestScheduler(t, defs, vals, clock)
	set := &domain.ValidationSet{ID: "set-1", CreatedAt: clock.Now(), OverallStatus: domain.SetNotStarted}

	plan := s.Plan(set)
	require.Len(t, plan.Calls, 4)
	outcomes := s.Execute(context.Background(), set.Clone(), plan)

	for _, out := range outcomes {
		assert.NoError(t, out.Err)
	}
	assert.LessOrEqual(t, peak, 2)
}

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/valset/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/valset/pkg/adapters/storage/memory"
	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type callFunc func(n int) (domain.StepResult, error)

// scriptedValidator answers the n-th Start or Poll call (1-based) from a
// script and counts calls.
type scriptedValidator struct {
	mu     sync.Mutex
	starts int
	polls  int
	start  callFunc
	poll   callFunc
}

func (v *scriptedValidator) Start(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	v.mu.Lock()
	v.starts++
	n := v.starts
	v.mu.Unlock()
	if v.start == nil {
		return domain.StepResult{Status: domain.StepIncomplete}, nil
	}
	return v.start(n)
}

func (v *scriptedValidator) Poll(ctx context.Context, set *domain.ValidationSet, req *domain.StepRequest) (domain.StepResult, error) {
	v.mu.Lock()
	v.polls++
	n := v.polls
	v.mu.Unlock()
	if v.poll == nil {
		return domain.StepResult{Status: domain.StepIncomplete}, nil
	}
	return v.poll(n)
}

func (v *scriptedValidator) Starts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.starts
}

func (v *scriptedValidator) Polls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.polls
}

func always(status domain.StepStatus, issues ...domain.Issue) callFunc {
	return func(int) (domain.StepResult, error) {
		return domain.StepResult{Status: status, Issues: issues}, nil
	}
}

type recordingNotifier struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
	err      error
	failed   int
}

func (n *recordingNotifier) Notify(ctx context.Context, outcome domain.Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		n.failed++
		return n.err
	}
	n.outcomes = append(n.outcomes, outcome)
	return nil
}

// FailWith makes every following Notify return err; nil restores delivery.
func (n *recordingNotifier) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *recordingNotifier) Failed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.failed
}

func (n *recordingNotifier) Outcomes() []domain.Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Outcome(nil), n.outcomes...)
}

func testConfig() Config {
	return Config{
		DedupWindow:             time.Hour,
		MaxLifetime:             24 * time.Hour,
		MaxConcurrentOperations: 4,
		MissingArtifactRetries:  15,
		MissingArtifactRecheck:  time.Minute,
		TransientRetries:        2,
		TransientRetryDelay:     time.Millisecond,
		MaxStartFailures:        3,
		ConflictRetries:         3,
	}
}

func newMetrics() ports.MetricsCollector {
	return prometheus.NewCollector(prom.NewRegistry())
}

type harness struct {
	mgr      *Manager
	store    ports.SetStore
	mem      *memory.InMemorySetStore
	clock    *fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, defs []domain.StepDefinition, validators map[string]*scriptedValidator, cfg Config) *harness {
	t.Helper()
	mem := memory.NewInMemorySetStore()
	return newHarnessWithStore(t, defs, validators, cfg, mem, mem)
}

func newHarnessWithStore(t *testing.T, defs []domain.StepDefinition, validators map[string]*scriptedValidator, cfg Config, store ports.SetStore, mem *memory.InMemorySetStore) *harness {
	t.Helper()
	graph, err := NewGraph(defs)
	require.NoError(t, err)

	vals := make(map[string]ports.Validator, len(validators))
	for name, v := range validators {
		vals[name] = v
	}

	clock := newFakeClock()
	notifier := &recordingNotifier{}
	mgr := NewManager(graph, vals, store, notifier, newMetrics(), zaptest.NewLogger(t), cfg, WithClock(clock.Now))
	return &harness{mgr: mgr, store: store, mem: mem, clock: clock, notifier: notifier}
}

// peer builds a second manager over the same store and clock, standing in
// for another process.
func (h *harness) peer(t *testing.T, defs []domain.StepDefinition, validators map[string]*scriptedValidator, cfg Config) *harness {
	t.Helper()
	graph, err := NewGraph(defs)
	require.NoError(t, err)

	vals := make(map[string]ports.Validator, len(validators))
	for name, v := range validators {
		vals[name] = v
	}
	mgr := NewManager(graph, vals, h.store, h.notifier, newMetrics(), zaptest.NewLogger(t), cfg, WithClock(h.clock.Now))
	return &harness{mgr: mgr, store: h.store, mem: h.mem, clock: h.clock, notifier: h.notifier}
}

func (h *harness) submit(t *testing.T) *domain.ValidationSet {
	t.Helper()
	set, created, err := h.mgr.Submit(context.Background(), domain.Submission{
		Artifact: domain.ArtifactKey{ID: "Contoso.Lib", Version: "1.2.3"},
	})
	require.NoError(t, err)
	require.True(t, created)
	return set
}

// drive processes the set until it is terminal, advancing the clock by step
// between ticks.
func (h *harness) drive(t *testing.T, setID string, step time.Duration, maxTicks int) *domain.ValidationSet {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxTicks; i++ {
		require.NoError(t, h.mgr.Process(ctx, setID))
		set, err := h.mgr.GetSet(ctx, setID)
		require.NoError(t, err)
		if set.OverallStatus.IsTerminal() {
			return set
		}
		h.clock.Advance(step)
	}
	set, err := h.mgr.GetSet(ctx, setID)
	require.NoError(t, err)
	return set
}

func step(name string, fb domain.FailureBehavior, deps ...string) domain.StepDefinition {
	return domain.StepDefinition{
		Name:            name,
		RequiredSteps:   deps,
		ShouldStart:     true,
		FailureBehavior: fb,
	}
}

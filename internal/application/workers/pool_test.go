package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	eventsmem "github.com/aescanero/valset/pkg/adapters/events/memory"
	"github.com/aescanero/valset/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/valset/pkg/adapters/storage/memory"
	"github.com/aescanero/valset/pkg/domain"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProcessor struct {
	mu      sync.Mutex
	calls   map[string]int
	block   chan struct{}
	started chan string
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{calls: make(map[string]int), started: make(chan string, 16)}
}

func (f *fakeProcessor) Process(ctx context.Context, setID string) error {
	f.mu.Lock()
	f.calls[setID]++
	block := f.block
	f.mu.Unlock()

	f.started <- setID
	if block != nil {
		<-block
	}
	return nil
}

func (f *fakeProcessor) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type staticLister []string

func (l staticLister) ActiveSetIDs(ctx context.Context) ([]string, error) {
	return l, nil
}

func newTestPool(t *testing.T, cfg Config, proc Processor, lister Lister, bus *eventsmem.InMemoryEventBus, results *memory.InMemoryResultStore) *Pool {
	t.Helper()
	var p *Pool
	if bus != nil {
		p = NewPool(cfg, proc, lister, bus, results, prometheus.NewCollector(prom.NewRegistry()), zaptest.NewLogger(t))
	} else {
		p = NewPool(cfg, proc, lister, nil, nil, prometheus.NewCollector(prom.NewRegistry()), zaptest.NewLogger(t))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestEnqueueDeduplicates(t *testing.T) {
	p := newTestPool(t, Config{Size: 1}, newFakeProcessor(), nil, nil, nil)

	assert.True(t, p.Enqueue("set-1"))
	assert.False(t, p.Enqueue("set-1"))
	assert.True(t, p.Enqueue("set-2"))
	assert.Equal(t, 2, p.QueueLen())
}

func TestWorkersProcessQueuedSets(t *testing.T) {
	proc := newFakeProcessor()
	p := newTestPool(t, Config{Size: 2}, proc, nil, nil, nil)
	require.NoError(t, p.Start())

	p.Enqueue("set-1")
	p.Enqueue("set-2")

	require.Eventually(t, func() bool {
		return proc.Calls("set-1") == 1 && proc.Calls("set-2") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEnqueueWhileRunningProcessesAgain(t *testing.T) {
	proc := newFakeProcessor()
	release := make(chan struct{})
	proc.block = release
	p := newTestPool(t, Config{Size: 2}, proc, nil, nil, nil)
	require.NoError(t, p.Start())

	p.Enqueue("set-1")
	<-proc.started

	assert.True(t, p.Enqueue("set-1"))
	assert.False(t, p.Enqueue("set-1"))

	proc.mu.Lock()
	proc.block = nil
	proc.mu.Unlock()
	close(release)

	require.Eventually(t, func() bool { return proc.Calls("set-1") == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSweepEnqueuesActiveSets(t *testing.T) {
	proc := newFakeProcessor()
	p := newTestPool(t, Config{Size: 1, SweepInterval: time.Hour}, proc, staticLister{"a", "b", "c"}, nil, nil)
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool {
		return proc.Calls("a") == 1 && proc.Calls("b") == 1 && proc.Calls("c") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCompletionStoredAndSetFastTracked(t *testing.T) {
	proc := newFakeProcessor()
	bus := eventsmem.NewInMemoryEventBus()
	results := memory.NewInMemoryResultStore()
	p := newTestPool(t, Config{Size: 1}, proc, nil, bus, results)
	require.NoError(t, p.Start())

	err := bus.Publish(context.Background(), domain.TopicCompletions, domain.Event{
		ID:        "evt-1",
		Type:      domain.EventTypeStepCompleted,
		SetID:     "set-1",
		RequestID: "req-1",
		StepName:  "Scan",
		Attempt:   1,
		Result:    &domain.StepResult{Status: domain.StepSucceeded},
	})
	require.NoError(t, err)

	got, ok, err := results.GetResult(context.Background(), "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, domain.StepSucceeded, got.Result.Status)

	require.Eventually(t, func() bool { return proc.Calls("set-1") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestOtherEventsIgnored(t *testing.T) {
	bus := eventsmem.NewInMemoryEventBus()
	results := memory.NewInMemoryResultStore()
	p := newTestPool(t, Config{Size: 1}, newFakeProcessor(), nil, bus, results)
	require.NoError(t, p.Start())

	require.NoError(t, bus.Publish(context.Background(), domain.TopicCompletions, domain.Event{
		Type:      domain.EventTypeStepStart,
		RequestID: "req-1",
	}))

	_, ok, err := results.GetResult(context.Background(), "req-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthStatus(t *testing.T) {
	p := newTestPool(t, Config{Size: 3}, newFakeProcessor(), nil, nil, nil)
	require.NoError(t, p.Start())

	status := p.Health().GetStatus()
	assert.Equal(t, 3, status.TotalWorkers)
	assert.Equal(t, 3, status.IdleWorkers)
	assert.True(t, status.Healthy)
	assert.Len(t, p.GetStatus(), 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.False(t, p.Health().IsHealthy())
}

func TestHealthReportsStalledTicks(t *testing.T) {
	proc := newFakeProcessor()
	proc.block = make(chan struct{})
	defer close(proc.block)

	p := newTestPool(t, Config{Size: 1, StallAfter: time.Minute}, proc, nil, nil, nil)
	var offset atomic.Int64
	p.health.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	require.NoError(t, p.Start())

	require.True(t, p.Enqueue("set-1"))
	<-proc.started

	status := p.Health().GetStatus()
	assert.Equal(t, 1, status.BusyWorkers)
	assert.Zero(t, status.StalledWorkers)
	assert.True(t, status.Healthy)

	offset.Store(int64(time.Hour))
	status = p.Health().GetStatus()
	assert.Equal(t, 1, status.StalledWorkers)
	assert.Equal(t, []string{"set-1"}, status.StalledSets)
	assert.GreaterOrEqual(t, status.LongestTick, time.Hour)
	assert.False(t, status.Healthy)
}

func TestHealthTracksBacklogGrowth(t *testing.T) {
	proc := newFakeProcessor()
	proc.block = make(chan struct{})
	defer close(proc.block)

	p := newTestPool(t, Config{Size: 1}, proc, nil, nil, nil)
	require.NoError(t, p.Start())

	require.True(t, p.Enqueue("busy"))
	<-proc.started

	for i := 0; i < backlogGrowthChecks; i++ {
		require.True(t, p.Enqueue(fmt.Sprintf("waiting-%d", i)))
		status := p.health.check()
		assert.Equal(t, i+1, status.Backlog)
	}

	p.health.mu.Lock()
	growing := p.health.growing
	p.health.mu.Unlock()
	assert.Equal(t, backlogGrowthChecks, growing)

	p.health.check()
	p.health.mu.Lock()
	assert.Zero(t, p.health.growing)
	p.health.mu.Unlock()
}

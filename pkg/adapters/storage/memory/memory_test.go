package memory

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/valset/pkg/domain"
	"github.com/aescanero/valset/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSet(id string, created time.Time) *domain.ValidationSet {
	return &domain.ValidationSet{
		ID:            id,
		Artifact:      domain.ArtifactKey{ID: "Pkg", Version: "1.0.0"},
		CreatedAt:     created,
		OverallStatus: domain.SetNotStarted,
	}
}

func TestSetStoreOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySetStore()
	now := time.Now()

	set := newSet("s1", now)
	require.NoError(t, store.CreateSet(ctx, set, time.Hour))
	assert.Equal(t, int64(1), set.Version)

	a, err := store.GetSet(ctx, "s1")
	require.NoError(t, err)
	b, err := store.GetSet(ctx, "s1")
	require.NoError(t, err)

	a.OverallStatus = domain.SetRunning
	require.NoError(t, store.UpdateSet(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.OverallStatus = domain.SetFailed
	assert.ErrorIs(t, store.UpdateSet(ctx, b), domain.ErrConflict)

	got, err := store.GetSet(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SetRunning, got.OverallStatus)
}

func TestSetStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySetStore()
	set := newSet("s1", time.Now())
	require.NoError(t, store.CreateSet(ctx, set, time.Hour))

	set.OverallStatus = domain.SetFailed
	got, err := store.GetSet(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SetNotStarted, got.OverallStatus)
}

func TestSetStoreDeduplicationClaim(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySetStore()
	now := time.Now()

	require.NoError(t, store.CreateSet(ctx, newSet("s1", now), time.Hour))

	dup := newSet("s2", now.Add(time.Minute))
	dup.Artifact = domain.ArtifactKey{ID: "pkg", Version: "1.0.0"}
	assert.ErrorIs(t, store.CreateSet(ctx, dup, time.Hour), domain.ErrAlreadyExists)

	found, err := store.FindActiveSet(ctx, dup.Artifact, time.Hour, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "s1", found.ID)

	// Outside the window the claim no longer holds.
	_, err = store.FindActiveSet(ctx, dup.Artifact, time.Hour, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, store.CreateSet(ctx, newSet("s3", now.Add(2*time.Hour)), time.Hour))
}

func TestSetStoreTerminalReleasesClaim(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySetStore()
	now := time.Now()

	set := newSet("s1", now)
	require.NoError(t, store.CreateSet(ctx, set, time.Hour))
	set.OverallStatus = domain.SetSucceeded
	require.NoError(t, store.UpdateSet(ctx, set))

	_, err := store.FindActiveSet(ctx, set.Artifact, time.Hour, now)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Listed until the outcome is delivered.
	ids, err := store.ListActiveSetIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	require.NoError(t, store.CreateSet(ctx, newSet("s2", now), time.Hour))

	delivered := now
	set.NotifiedAt = &delivered
	require.NoError(t, store.UpdateSet(ctx, set))

	ids, err = store.ListActiveSetIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids)
}

func TestListActiveSetIDsOrdered(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySetStore()
	now := time.Now()

	late := newSet("late", now.Add(time.Minute))
	late.Artifact.ID = "other"
	require.NoError(t, store.CreateSet(ctx, late, time.Hour))
	require.NoError(t, store.CreateSet(ctx, newSet("early", now), time.Hour))

	ids, err := store.ListActiveSetIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, ids)
}

func TestResultStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryResultStore()

	_, ok, err := store.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := ports.Completion{Result: domain.StepResult{Status: domain.StepSucceeded}}
	require.NoError(t, store.PutResult(ctx, "r1", want))
	got, ok, err := store.GetResult(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue()

	require.NoError(t, q.Enqueue(ctx, domain.Submission{Artifact: domain.ArtifactKey{ID: "a", Version: "1"}}))
	require.NoError(t, q.Enqueue(ctx, domain.Submission{Artifact: domain.ArtifactKey{ID: "b", Version: "1"}}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	sub, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", sub.Artifact.ID)

	_, _, _ = q.Dequeue(ctx)
	_, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateCounterWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := NewRateCounter(func() time.Time { return now })

	require.NoError(t, c.Record(ctx, now.Add(-2*time.Hour)))
	require.NoError(t, c.Record(ctx, now.Add(-30*time.Minute)))
	require.NoError(t, c.Record(ctx, now))

	rate, err := c.EventRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, rate)
}

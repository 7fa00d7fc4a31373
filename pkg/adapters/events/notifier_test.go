package events

import (
	"context"
	"testing"

	"github.com/aescanero/valset/pkg/adapters/events/memory"
	"github.com/aescanero/valset/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBusNotifierPublishesOutcome(t *testing.T) {
	bus := memory.NewInMemoryEventBus()
	n := NewBusNotifier(bus, zaptest.NewLogger(t))

	outcome := domain.Outcome{
		SetID:    "set-1",
		Artifact: domain.ArtifactKey{ID: "Contoso.Lib", Version: "1.0.0"},
		Status:   domain.SetFailed,
		Issues:   []domain.StepIssue{{Step: "Scan", Issue: domain.Issue{Code: "MalwareFound"}}},
	}
	require.NoError(t, n.Notify(context.Background(), outcome))

	events := bus.Published(domain.TopicOutcomes)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeSetCompleted, events[0].Type)
	assert.Equal(t, "set-1", events[0].SetID)
	assert.Equal(t, domain.SetFailed, events[0].Status)
	require.NotNil(t, events[0].Outcome)
	assert.Equal(t, outcome.Issues, events[0].Outcome.Issues)
}

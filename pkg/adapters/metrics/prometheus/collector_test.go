package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSetSubmitted("created")
	c.RecordSetSubmitted("created")
	c.RecordSetSubmitted("deduplicated")
	c.RecordSetCompleted("Succeeded", 2*time.Second)
	c.RecordStepResult("sign", "Failed")
	c.RecordConflict()
	c.SetEventRate(42)
	c.RecordWorkerPoolStatus(3, 1, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.setsSubmitted.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.setsSubmitted.WithLabelValues("deduplicated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.setsCompleted.WithLabelValues("Succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepResults.WithLabelValues("sign", "Failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conflicts))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.eventRate))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.workerPoolIdle))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollectorsOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}

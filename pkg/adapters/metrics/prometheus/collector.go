package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector using Prometheus
type Collector struct {
	setsSubmitted       *prometheus.CounterVec
	setsCompleted       *prometheus.CounterVec
	setDuration         *prometheus.HistogramVec
	stepsStarted        *prometheus.CounterVec
	stepResults         *prometheus.CounterVec
	missingArtifact     *prometheus.CounterVec
	transientRetries    *prometheus.CounterVec
	conflicts           prometheus.Counter
	invariantViolations *prometheus.CounterVec
	admissions          *prometheus.CounterVec
	eventRate           prometheus.Gauge
	activeSets          prometheus.Gauge
	workerPoolIdle      prometheus.Gauge
	workerPoolBusy      prometheus.Gauge
	workerPoolStopped   prometheus.Gauge
}

// NewCollector creates a new Prometheus metrics collector registered on reg.
// A nil reg registers on the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		setsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valset_sets_submitted_total",
				Help: "Total number of submissions by result (created, deduplicated, rejected)",
			},
			[]string{"result"},
		),
		setsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valset_sets_completed_total",
				Help: "Total number of validation sets reaching a terminal status",
			},
			[]string{"status"},
		),
		setDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "valset_set_duration_seconds",
				Help:    "Time from set creation to terminal status",
				Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 14400, 86400},
			},
			[]string{"status"},
		),
		stepsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valset_steps_started_total",
				Help: "Total number of Start calls accepted per step",
			},
			[]string{"step"},
		),
		stepResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valset_step_results_total",
				Help: "Total number of terminal step results",
			},
			[]string{"step", "status"},
		),
		missingArtifact: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valset_missing_artifact_retries_total",
				Help: "Total number of not-ready answers from validators",
			},
			[]string{"step"},
		),
		transientRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valset_transient_retries_total",
				Help: "Total number of retried transient infrastructure faults",
			},
			[]string{"operation"},
		),
		conflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "valset_optimistic_conflicts_total",
				Help: "Total number of lost optimistic concurrency updates",
			},
		),
		invariantViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valset_invariant_violations_total",
				Help: "Total number of invariant violations halting a set",
			},
			[]string{"step"},
		),
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valset_admissions_total",
				Help: "Total number of throttler admission attempts by result",
			},
			[]string{"result"},
		),
		eventRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "valset_event_rate_per_hour",
				Help: "Last observed admission event rate",
			},
		),
		activeSets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "valset_active_sets",
				Help: "Number of non-terminal validation sets seen by the last sweep",
			},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "valset_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "valset_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "valset_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordSetSubmitted records a submission
func (c *Collector) RecordSetSubmitted(result string) {
	c.setsSubmitted.WithLabelValues(result).Inc()
}

// RecordSetCompleted records a set reaching a terminal status
func (c *Collector) RecordSetCompleted(status string, duration time.Duration) {
	c.setsCompleted.WithLabelValues(status).Inc()
	c.setDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStepStarted records a Start call that returned without error
func (c *Collector) RecordStepStarted(step string) {
	c.stepsStarted.WithLabelValues(step).Inc()
}

// RecordStepResult records a terminal step result
func (c *Collector) RecordStepResult(step, status string) {
	c.stepResults.WithLabelValues(step, status).Inc()
}

// RecordMissingArtifactRetry records a not-ready answer
func (c *Collector) RecordMissingArtifactRetry(step string) {
	c.missingArtifact.WithLabelValues(step).Inc()
}

// RecordTransientRetry records a retried transient fault
func (c *Collector) RecordTransientRetry(operation string) {
	c.transientRetries.WithLabelValues(operation).Inc()
}

// RecordConflict records a lost optimistic update
func (c *Collector) RecordConflict() {
	c.conflicts.Inc()
}

// RecordInvariantViolation records a halted set
func (c *Collector) RecordInvariantViolation(step string) {
	c.invariantViolations.WithLabelValues(step).Inc()
}

// RecordAdmission records a throttler admission result
func (c *Collector) RecordAdmission(result string) {
	c.admissions.WithLabelValues(result).Inc()
}

// SetEventRate records the last observed event rate
func (c *Collector) SetEventRate(rate float64) {
	c.eventRate.Set(rate)
}

// SetActiveSets records the number of active sets
func (c *Collector) SetActiveSets(count int) {
	c.activeSets.Set(float64(count))
}

// RecordWorkerPoolStatus records worker pool status
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}

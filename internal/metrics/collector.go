// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates engine metrics.
type Collector struct {
	// Workflow metrics
	workflowExecutionsTotal   *prometheus.CounterVec
	workflowExecutionDuration *prometheus.HistogramVec
	stepAttemptsTotal         *prometheus.CounterVec
	stepRetriesTotal          prometheus.Counter
	replansTotal              prometheus.Counter
	feedbackPausesTotal       prometheus.Counter

	// Memory metrics
	memoryOpsTotal    *prometheus.CounterVec
	searchDuration    prometheus.Histogram
	indexFailuresTotal prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered against reg.
// A nil reg uses the default prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.workflowExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of workflow executions by terminal status",
		},
		[]string{"status"},
	)

	c.workflowExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"status"},
	)

	c.stepAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_attempts_total",
			Help:      "Total number of step attempts by outcome",
		},
		[]string{"outcome"},
	)

	c.stepRetriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_retries_total",
			Help:      "Total number of step retries",
		},
	)

	c.replansTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_replans_total",
			Help:      "Total number of mid-run replanning calls",
		},
	)

	c.feedbackPausesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_feedback_pauses_total",
			Help:      "Total number of executions paused for user feedback",
		},
	)

	c.memoryOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Total number of memory store operations",
		},
		[]string{"operation"},
	)

	c.searchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_search_duration_seconds",
			Help:      "Memory search duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.indexFailuresTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_index_failures_total",
			Help:      "Total number of swallowed search-index failures",
		},
	)

	return c
}

// RecordExecution records a terminal workflow execution.
func (c *Collector) RecordExecution(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowExecutionsTotal.WithLabelValues(status).Inc()
	c.workflowExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStepAttempt records one step attempt outcome ("success"/"failure").
func (c *Collector) RecordStepAttempt(outcome string) {
	if c == nil {
		return
	}
	c.stepAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry records a step retry.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.stepRetriesTotal.Inc()
}

// RecordReplan records a mid-run replanning call.
func (c *Collector) RecordReplan() {
	if c == nil {
		return
	}
	c.replansTotal.Inc()
}

// RecordFeedbackPause records an execution paused for user feedback.
func (c *Collector) RecordFeedbackPause() {
	if c == nil {
		return
	}
	c.feedbackPausesTotal.Inc()
}

// RecordMemoryOp records a memory store operation.
func (c *Collector) RecordMemoryOp(operation string) {
	if c == nil {
		return
	}
	c.memoryOpsTotal.WithLabelValues(operation).Inc()
}

// RecordSearch records a memory search duration.
func (c *Collector) RecordSearch(duration time.Duration) {
	if c == nil {
		return
	}
	c.searchDuration.Observe(duration.Seconds())
}

// RecordIndexFailure records a swallowed search-index failure.
func (c *Collector) RecordIndexFailure() {
	if c == nil {
		return
	}
	c.indexFailuresTotal.Inc()
}

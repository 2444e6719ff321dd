// ============================================================================
// GridMW Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose master-side metrics for Prometheus.
//
// Metric Categories:
//
//   1. Task Counters - cumulative, monotonically increasing:
//      - tasks_submitted_total: tasks accepted by SubmitTask
//      - tasks_dispatched_total: tasks handed to a backend worker
//      - tasks_completed_total: tasks finished successfully
//      - tasks_failed_total: tasks finished in the error state
//
//   2. Performance Metrics (Histogram):
//      - task_latency_seconds: submit-to-finish latency distribution
//
//   3. Status Metrics (Gauge):
//      - tasks_queued: tasks currently waiting for a worker
//
// The collector is optional: a nil registerer produces a disabled
// collector whose record methods are no-ops, so the master never needs a
// metrics branch at call sites.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one master.
type Collector struct {
	tasksSubmitted  prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter

	taskLatency prometheus.Histogram

	tasksQueued prometheus.Gauge
}

// NewCollector creates a collector registered with reg. A nil reg
// returns a disabled collector.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		return nil
	}

	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridmw_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridmw_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to workers",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridmw_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridmw_tasks_failed_total",
			Help: "Total number of tasks that finished with an error",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridmw_task_latency_seconds",
			Help:    "Task latency from submission to completion in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		tasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridmw_tasks_queued",
			Help: "Current number of queued tasks",
		}),
	}

	reg.MustRegister(
		c.tasksSubmitted,
		c.tasksDispatched,
		c.tasksCompleted,
		c.tasksFailed,
		c.taskLatency,
		c.tasksQueued,
	)
	return c
}

// RecordSubmit records a task submission.
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.tasksSubmitted.Inc()
}

// RecordDispatch records a task dispatch.
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
}

// RecordFinished records a terminal transition with its total latency.
func (c *Collector) RecordFinished(success bool, latencySeconds float64) {
	if c == nil {
		return
	}
	if success {
		c.tasksCompleted.Inc()
	} else {
		c.tasksFailed.Inc()
	}
	c.taskLatency.Observe(latencySeconds)
}

// SetQueued updates the queued-task gauge.
func (c *Collector) SetQueued(n int) {
	if c == nil {
		return
	}
	c.tasksQueued.Set(float64(n))
}

// StartServer starts the Prometheus metrics HTTP endpoint.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// Package metrics exposes the Prometheus collectors for the job queue and
// worker pool on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the queue and workers update.
type Metrics struct {
	registry *prometheus.Registry

	// JobStatusTotal counts status transitions by resulting status.
	JobStatusTotal *prometheus.CounterVec
	// WorkerJobsPickedTotal counts dequeues per worker.
	WorkerJobsPickedTotal *prometheus.CounterVec
	// JobQueueDepth tracks jobs currently queued or processing.
	JobQueueDepth *prometheus.GaugeVec
	// JobEnqueueDuration observes the time spent inserting jobs.
	JobEnqueueDuration prometheus.Histogram
	// JobProcessingDuration observes dequeue-to-terminal time by outcome.
	JobProcessingDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		JobStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_status_total",
			Help: "Total jobs by status (queued, processing, completed, error, cancelled)",
		}, []string{"status"}),
		WorkerJobsPickedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_jobs_picked_total",
			Help: "Total jobs picked up by workers",
		}, []string{"worker_id"}),
		JobQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Current number of jobs in queue or in processing",
		}, []string{"status"}),
		JobEnqueueDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_enqueue_duration_seconds",
			Help:    "Time spent enqueuing a job (insert into DB)",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		JobProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_processing_duration_seconds",
			Help:    "Time spent processing a job from dequeue to complete or error",
			Buckets: []float64{1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0},
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.JobStatusTotal,
		m.WorkerJobsPickedTotal,
		m.JobQueueDepth,
		m.JobEnqueueDuration,
		m.JobProcessingDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

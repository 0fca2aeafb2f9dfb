// Package metrics provides Prometheus metrics for the worker and the client session.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "upscaler"

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Upscale jobs by outcome (success or error kind)",
	}, []string{"result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Wall time from accepting a job to replying",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"scale"})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "active_jobs",
		Help:      "Jobs currently running the upscaler",
	})

	progressEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "progress_events_total",
		Help:      "Progress lines parsed from upscaler output",
	})

	jobProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "job_progress_percent",
		Help:      "Last reported progress of a running job",
	}, []string{"job_id"})

	observers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "progress_observers",
		Help:      "Registered progress observers",
	})
)

// JobStarted marks a job as running.
func JobStarted() {
	activeJobs.Inc()
}

// JobFinished records the outcome of a job. result is "success" or an error kind.
func JobFinished(jobID, scale, result string, elapsed time.Duration) {
	activeJobs.Dec()
	jobsTotal.WithLabelValues(result).Inc()
	jobDuration.WithLabelValues(scale).Observe(elapsed.Seconds())

	jobProgress.DeleteLabelValues(jobID)
}

// RecordProgress records a progress update for a running job.
func RecordProgress(jobID string, percentage float64) {
	progressEvents.Inc()
	jobProgress.WithLabelValues(jobID).Set(percentage)
}

// SetObservers sets the registered observer count.
func SetObservers(count int) {
	observers.Set(float64(count))
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds process-wide Prometheus metrics shared by the background jobs.
type Metrics struct {
	JobRunsTotal       *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	JobLastSuccess     *prometheus.GaugeVec
}

// New creates and registers the job metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers against reg; tests pass a fresh registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_job_runs_total",
			Help: "Background job executions by job and outcome",
		}, []string{"job", "status"}),
		JobDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consentry_job_duration_seconds",
			Help:    "Background job execution time",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		JobLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consentry_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per job",
		}, []string{"job"}),
	}
}

// ObserveJob records one run of job.
func (m *Metrics) ObserveJob(job string, success bool, durationSeconds float64, finishedUnix float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDurationSeconds.WithLabelValues(job).Observe(durationSeconds)
	if success {
		m.JobLastSuccess.WithLabelValues(job).Set(finishedUnix)
	}
}

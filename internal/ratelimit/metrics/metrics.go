package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ChecksTotal           *prometheus.CounterVec
	FallbackTotal         prometheus.Counter
	CircuitOpen           prometheus.Gauge
	CleanupEvictedTotal   prometheus.Counter
	CleanupRunsTotal      *prometheus.CounterVec
	CleanupDurationSecond prometheus.Histogram
}

func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_ratelimit_checks_total",
			Help: "Rate limit decisions by action and outcome",
		}, []string{"action", "outcome"}),
		FallbackTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "consentry_ratelimit_fallback_total",
			Help: "Checks answered by the in-process fallback store",
		}),
		CircuitOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "consentry_ratelimit_circuit_open",
			Help: "1 while the shared window store is bypassed",
		}),
		CleanupEvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "consentry_ratelimit_cleanup_evicted_total",
			Help: "Expired in-memory windows removed by the cleanup worker",
		}),
		CleanupRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_ratelimit_cleanup_runs_total",
			Help: "Total number of cleanup runs",
		}, []string{"status"}),
		CleanupDurationSecond: f.NewHistogram(prometheus.HistogramOpts{
			Name: "consentry_ratelimit_cleanup_duration_seconds",
			Help: "Duration of cleanup runs in seconds",
		}),
	}
}

func (m *Metrics) RecordCheck(action string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.ChecksTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) RecordFallback() {
	m.FallbackTotal.Inc()
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if open {
		m.CircuitOpen.Set(1)
		return
	}
	m.CircuitOpen.Set(0)
}

func (m *Metrics) RecordCleanup(evicted int, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.CleanupRunsTotal.WithLabelValues(status).Inc()
	m.CleanupEvictedTotal.Add(float64(evicted))
	m.CleanupDurationSecond.Observe(durationSeconds)
}

package metrics

import (
	"strings"

	"github.com/mssola/useragent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for consent operations.
type Metrics struct {
	SubmissionsTotal      *prometheus.CounterVec
	StaleRevisionTotal    prometheus.Counter
	IdentityDegradedTotal prometheus.Counter
	UnknownCategoryTotal  prometheus.Counter
	PersistFailuresTotal  prometheus.Counter
	SubmitLatency         prometheus.Histogram
	RetentionDeletedTotal prometheus.Counter
	PolicyRevision        prometheus.Gauge
}

// New registers consent metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_consent_submissions_total",
			Help: "Recorded consent decisions, labeled by event and browser family",
		}, []string{"event", "browser"}),
		StaleRevisionTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "consentry_consent_stale_revision_total",
			Help: "Decisions recorded at a lower revision than the visitor's previous decision",
		}),
		IdentityDegradedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "consentry_consent_identity_degraded_total",
			Help: "Identities minted without a secure random source",
		}),
		UnknownCategoryTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "consentry_consent_unknown_category_total",
			Help: "Submitted category keys dropped because they are not configured",
		}),
		PersistFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "consentry_consent_persist_failures_total",
			Help: "Ledger writes that failed",
		}),
		SubmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentry_consent_submit_latency_seconds",
			Help:    "Latency of consent submissions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		RetentionDeletedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "consentry_consent_retention_deleted_total",
			Help: "Ledger rows removed by the retention job",
		}),
		PolicyRevision: f.NewGauge(prometheus.GaugeOpts{
			Name: "consentry_consent_policy_revision",
			Help: "Policy revision in force",
		}),
	}
}

func (m *Metrics) RecordSubmission(event, userAgent string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(event, BrowserFamily(userAgent)).Inc()
}

func (m *Metrics) RecordStaleRevision() {
	if m == nil {
		return
	}
	m.StaleRevisionTotal.Inc()
}

func (m *Metrics) RecordIdentityDegraded() {
	if m == nil {
		return
	}
	m.IdentityDegradedTotal.Inc()
}

func (m *Metrics) RecordUnknownCategories(n int) {
	if m == nil || n == 0 {
		return
	}
	m.UnknownCategoryTotal.Add(float64(n))
}

func (m *Metrics) RecordPersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailuresTotal.Inc()
}

func (m *Metrics) ObserveSubmitLatency(seconds float64) {
	if m == nil {
		return
	}
	m.SubmitLatency.Observe(seconds)
}

func (m *Metrics) RecordRetentionDeleted(n int) {
	if m == nil {
		return
	}
	m.RetentionDeletedTotal.Add(float64(n))
}

func (m *Metrics) SetPolicyRevision(rev int) {
	if m == nil {
		return
	}
	m.PolicyRevision.Set(float64(rev))
}

var knownBrowsers = map[string]string{
	"chrome":  "chrome",
	"firefox": "firefox",
	"safari":  "safari",
	"edge":    "edge",
	"opera":   "opera",
}

// BrowserFamily reduces a User-Agent to a low-cardinality label.
func BrowserFamily(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "unknown"
	}
	ua := useragent.New(userAgent)
	if ua.Bot() {
		return "bot"
	}
	name, _ := ua.Browser()
	if family, ok := knownBrowsers[strings.ToLower(name)]; ok {
		return family
	}
	return "other"
}

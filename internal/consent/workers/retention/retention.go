// Package retention deletes ledger rows older than the configured window.
package retention

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"consentry/internal/consent/metrics"
	"consentry/internal/platform/scheduler"
)

// JobName is the scheduler name; runs log consent_retention_completed/_failed.
const JobName = "consent_retention"

// Pruner is the ledger's retention primitive.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, days int, now time.Time) (int, error)
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) {
		if t != nil {
			w.tracer = t
		}
	}
}

type Worker struct {
	ledger   Pruner
	days     int
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	tracer   trace.Tracer
}

// New builds a retention worker. days <= 0 disables deletion; runs still
// complete so the schedule stays observable.
func New(ledger Pruner, days int, opts ...Option) *Worker {
	w := &Worker{
		ledger:   ledger,
		days:     days,
		interval: 24 * time.Hour,
		logger:   slog.Default(),
		now:      time.Now,
		tracer:   otel.Tracer("consentry/retention"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Start(ctx context.Context, sched *scheduler.Scheduler) error {
	return sched.Every(ctx, JobName, w.interval, true, w.Job)
}

func (w *Worker) Job(ctx context.Context) ([]any, error) {
	deleted, err := w.RunOnce(ctx)
	if err != nil {
		return nil, err
	}
	return []any{"records_deleted", deleted, "retention_days", w.days}, nil
}

// RunOnce performs a single sweep. Re-running it in the same window deletes
// nothing further.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if w.days <= 0 {
		return 0, nil
	}
	ctx, span := w.tracer.Start(ctx, "consent.retention")
	defer span.End()

	deleted, err := w.ledger.DeleteOlderThan(ctx, w.days, w.now())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("retention.deleted", deleted))
	w.metrics.RecordRetentionDeleted(deleted)
	return deleted, nil
}

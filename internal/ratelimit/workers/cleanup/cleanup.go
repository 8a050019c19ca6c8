// Package cleanup evicts expired in-memory rate limit windows. Redis windows
// expire on their own; this only matters for the per-instance store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"consentry/internal/platform/scheduler"
	"consentry/internal/ratelimit/metrics"
)

// JobName is the scheduler name; runs log ratelimit_cleanup_completed/_failed.
const JobName = "ratelimit_cleanup"

type WindowStore interface {
	EvictExpired(ctx context.Context) (int, error)
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

type Worker struct {
	store    WindowStore
	logger   *slog.Logger
	interval time.Duration
	metrics  *metrics.Metrics
}

func New(store WindowStore, opts ...Option) *Worker {
	w := &Worker{
		store:    store,
		logger:   slog.Default(),
		interval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the eviction on the worker's interval until ctx is done.
func (w *Worker) Start(ctx context.Context, sched *scheduler.Scheduler) error {
	return sched.Every(ctx, JobName, w.interval, false, w.Job)
}

// Job adapts RunOnce to the scheduler.
func (w *Worker) Job(ctx context.Context) ([]any, error) {
	start := time.Now()
	evicted, err := w.RunOnce(ctx)
	if w.metrics != nil {
		w.metrics.RecordCleanup(evicted, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	return []any{"windows_evicted", evicted}, nil
}

// RunOnce executes a single eviction pass.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	return w.store.EvictExpired(ctx)
}

// Package scheduler runs background jobs on a fixed cadence. A failing or
// panicking run is logged and counted; the next tick runs regardless.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"consentry/internal/platform/metrics"
)

// Job performs one run and returns extra log attributes for the completion line.
type Job func(ctx context.Context) ([]any, error)

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock overrides time.Now for duration and last-success bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

type Scheduler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Every runs job each interval until ctx is cancelled. With runAtStart the
// first run happens immediately instead of after one interval.
func (s *Scheduler) Every(ctx context.Context, name string, interval time.Duration, runAtStart bool, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: job %s has non-positive interval %s", name, interval)
	}
	if runAtStart {
		_ = s.RunOnce(ctx, name, job)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.RunOnce(ctx, name, job)
		case <-ctx.Done():
			s.logger.Info(name+" worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce executes job a single time, logging <name>_completed or
// <name>_failed with duration_ms. A panic is converted into an error.
func (s *Scheduler) RunOnce(ctx context.Context, name string, job Job) (err error) {
	start := s.now()
	var attrs []any

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
			s.logger.ErrorContext(ctx, name+"_panic", "panic", r, "stack", string(debug.Stack()))
		}

		finished := s.now()
		duration := finished.Sub(start)
		if err != nil {
			s.logger.ErrorContext(ctx, name+"_failed",
				"error", err,
				"duration_ms", duration.Milliseconds(),
			)
		} else {
			s.logger.InfoContext(ctx, name+"_completed",
				append(attrs, "duration_ms", duration.Milliseconds())...,
			)
		}
		s.metrics.ObserveJob(name, err == nil, duration.Seconds(), float64(finished.Unix()))
	}()

	attrs, err = job(ctx)
	return err
}

package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

const poolStatsInterval = time.Minute

// RunWorkers runs the background jobs until ctx is cancelled. A failing run
// is logged by the scheduler and never stops the loop.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Retention.Start(ctx, a.Scheduler) })
	g.Go(func() error { return a.Cleanup.Start(ctx, a.Scheduler) })
	if a.Config.Options.Audit.Enabled {
		g.Go(func() error { return a.Auditor.Start(ctx, a.Scheduler) })
	}
	if a.Redis != nil {
		g.Go(func() error {
			return a.Scheduler.Every(ctx, "redis_pool_stats", poolStatsInterval, true, func(context.Context) ([]any, error) {
				a.Redis.RecordPoolStats()
				return nil, nil
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

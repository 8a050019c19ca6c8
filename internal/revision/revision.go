// Package revision tracks the policy revision in force. Visitors whose last
// decision was made under an older revision are prompted again.
package revision

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	dErrors "consentry/pkg/domain-errors"
)

// Initial is the revision reported before the first bump.
const Initial = 1

// Store persists the revision counter. Increment must be atomic.
type Store interface {
	Get(ctx context.Context) (int, error)
	Increment(ctx context.Context) (int, error)
}

// BumpListener observes a successful bump. It runs synchronously after the
// new revision is stored and must not block.
type BumpListener func(ctx context.Context, revision int)

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) {
		if t != nil {
			g.tracer = t
		}
	}
}

func WithBumpListener(fn BumpListener) Option {
	return func(g *Gate) {
		if fn != nil {
			g.listeners = append(g.listeners, fn)
		}
	}
}

type Gate struct {
	store     Store
	logger    *slog.Logger
	tracer    trace.Tracer
	listeners []BumpListener
}

func New(store Store, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("revision store is required")
	}
	g := &Gate{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer("consentry/revision"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Current returns the revision in force.
func (g *Gate) Current(ctx context.Context) (int, error) {
	rev, err := g.store.Get(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read policy revision")
	}
	return rev, nil
}

// Bump increments the revision by exactly one and returns the new value.
func (g *Gate) Bump(ctx context.Context) (int, error) {
	ctx, span := g.tracer.Start(ctx, "revision.bump")
	defer span.End()

	rev, err := g.store.Increment(ctx)
	if err != nil {
		span.RecordError(err)
		g.logger.ErrorContext(ctx, "revision_bump_failed", "error", err)
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to bump policy revision")
	}
	g.logger.InfoContext(ctx, "revision_bumped", "revision", rev)
	for _, fn := range g.listeners {
		fn(ctx, rev)
	}
	return rev, nil
}

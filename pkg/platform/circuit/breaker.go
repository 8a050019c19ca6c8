// Package circuit wraps sony/gobreaker with the options and state callbacks
// used across consentry's outbound dependencies (Redis, Kafka, site fetches).
package circuit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit open")

// State mirrors gobreaker's three states.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Breaker trips after FailureThreshold consecutive failures and probes the
// dependency again once OpenTimeout has elapsed.
type Breaker struct {
	cb *gobreaker.CircuitBreaker

	failureThreshold uint32
	halfOpenRequests uint32
	openTimeout      time.Duration
	ignore           func(error) bool
	onChange         func(name string, from, to State)
}

// Option configures a Breaker instance.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive failures to open the circuit.
// Default is 5.
func WithFailureThreshold(n uint32) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithHalfOpenRequests sets how many probes may run while half-open.
// Default is 1.
func WithHalfOpenRequests(n uint32) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.halfOpenRequests = n
		}
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing.
// Default is 30s.
func WithOpenTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.openTimeout = d
		}
	}
}

// WithIgnoredErrors marks errors that should not count as failures,
// such as a caller cancelling its own context.
func WithIgnoredErrors(fn func(error) bool) Option {
	return func(b *Breaker) {
		b.ignore = fn
	}
}

// WithStateChange registers a callback for state transitions.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New creates a circuit breaker with the given name and options.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		failureThreshold: 5,
		halfOpenRequests: 1,
		openTimeout:      30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	threshold := b.failureThreshold
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: b.halfOpenRequests,
		Timeout:     b.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onChange,
	}
	if b.ignore != nil {
		ignore := b.ignore
		settings.IsSuccessful = func(err error) bool {
			return err == nil || ignore(err)
		}
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Name returns the circuit breaker's name for logging/metrics.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	return b.cb.State()
}

// IsOpen returns true if the circuit is open (tripped).
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// Do runs fn under the breaker. When the circuit rejects the call, fn is
// not run and the returned error wraps ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrOpen, err)
	}
	return err
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

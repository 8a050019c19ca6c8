package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

func fail(context.Context) error { return errDown }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	b := New("redis",
		WithFailureThreshold(3),
		WithOpenTimeout(time.Hour),
		WithStateChange(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)
	ctx := context.Background()

	for range 2 {
		require.ErrorIs(t, b.Do(ctx, fail), errDown)
	}
	assert.False(t, b.IsOpen())

	require.ErrorIs(t, b.Do(ctx, fail), errDown)
	assert.True(t, b.IsOpen())
	assert.Equal(t, []State{StateOpen}, transitions)

	ran := false
	err := b.Do(ctx, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, ran)
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b := New("redis", WithFailureThreshold(2))
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.NoError(t, b.Do(ctx, ok))
	_ = b.Do(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerClosesAfterSuccessfulProbe(t *testing.T) {
	b := New("site", WithFailureThreshold(1), WithOpenTimeout(10*time.Millisecond))
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	require.True(t, b.IsOpen())

	assert.Eventually(t, func() bool {
		return b.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Do(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoredErrorsDoNotTrip(t *testing.T) {
	b := New("kafka",
		WithFailureThreshold(1),
		WithIgnoredErrors(func(err error) bool { return errors.Is(err, context.Canceled) }),
	)

	err := b.Do(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, b.IsOpen())
}

func TestBreakerCancelledContextSkipsCall(t *testing.T) {
	b := New("site")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := b.Do(ctx, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestCallReturnsValue(t *testing.T) {
	b := New("site")
	v, err := Call(context.Background(), b, func(context.Context) (string, error) { return "body", nil })
	require.NoError(t, err)
	assert.Equal(t, "body", v)
}

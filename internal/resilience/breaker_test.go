package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote failed")

func failing(ctx context.Context) error { return errRemote }
func succeeding(ctx context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker("board", BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, failing), errRemote)
	}
	assert.Equal(t, BreakerOpen, b.State())

	err := b.Execute(ctx, succeeding)
	require.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker("llm", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, BreakerOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Probe succeeds, breaker closes again.
	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker("llm", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	time.Sleep(15 * time.Millisecond)

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreaker_UnexpectedErrorsDoNotCount(t *testing.T) {
	t.Parallel()

	expected := errors.New("expected")
	b := NewBreaker("board", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		IsExpected:       func(err error) bool { return errors.Is(err, expected) },
	})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, BreakerClosed, b.State())

	require.Error(t, b.Execute(ctx, func(ctx context.Context) error { return expected }))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerSet_ReusesByName(t *testing.T) {
	t.Parallel()

	set := NewBreakerSet(DefaultBreakerConfig())
	assert.Same(t, set.Get("board"), set.Get("board"))
	assert.NotSame(t, set.Get("board"), set.Get("llm"))
}

func TestFallbackResult_UsesFallbackOnFailure(t *testing.T) {
	t.Parallel()

	result, err := FallbackResult(context.Background(), "load",
		func(ctx context.Context) (string, error) { return "", errors.New("storage down") },
		func(ctx context.Context) (string, error) { return "cached", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "cached", result)
}

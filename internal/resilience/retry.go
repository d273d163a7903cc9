// Package resilience provides retry, fallback, and circuit breaker primitives
// used around storage, board, and LLM calls.
package resilience

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/taskherd/taskherd/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts     int           // total invocations, not extra retries (default: 3)
	BaseDelay       time.Duration // base delay for exponential backoff (default: 1s)
	MaxDelay        time.Duration // cap on the computed delay (default: 30s)
	ExponentialBase float64       // backoff growth factor (default: 2)
	Jitter          bool          // randomize delays with a crypto-quality factor
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		BaseDelay:       1 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.ExponentialBase <= 1 {
		c.ExponentialBase = 2
	}
	return c
}

// Retry executes fn with exponential backoff, invoking it at most
// cfg.MaxAttempts times. The final error is wrapped and returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryResult executes fn with exponential backoff and returns its result.
func RetryResult[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()
	logger := logging.Component("retry")

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Debug().Int("attempt", attempt+1).Msg("retry succeeded")
			}
			return result, nil
		}
		lastErr = err
		logger.Debug().Err(err).Int("attempt", attempt+1).Int("max", cfg.MaxAttempts).Msg("attempt failed")

		// No sleep after the last attempt.
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := Backoff(attempt, cfg)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Backoff computes the delay before the next attempt: the capped exponential
// delay, optionally scaled by a jitter factor in [0.5, 1.5).
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	cfg = cfg.normalized()
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay *= JitterFactor()
	}
	return time.Duration(delay)
}

// JitterFactor draws a factor in [0.5, 1.5) from a cryptographically secure
// RNG.
func JitterFactor() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; degrade to no jitter.
		return 1.0
	}
	r := float64(binary.BigEndian.Uint64(buf[:])>>11) / float64(1<<53)
	return 0.5 + r
}

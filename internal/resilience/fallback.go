package resilience

import (
	"context"

	"github.com/taskherd/taskherd/internal/logging"
)

// Fallback runs primary and, if it fails, logs a warning and runs fallback.
// The primary failure is swallowed; only the fallback's error is returned.
func Fallback(ctx context.Context, name string, primary, fallback func(ctx context.Context) error) error {
	if err := primary(ctx); err != nil {
		logger := logging.Component("fallback")
		logger.Warn().Err(err).Str("operation", name).Msg("primary failed, using fallback")
		return fallback(ctx)
	}
	return nil
}

// FallbackResult runs primary and, if it fails, logs a warning and returns the
// fallback's result instead.
func FallbackResult[T any](ctx context.Context, name string, primary, fallback func(ctx context.Context) (T, error)) (T, error) {
	result, err := primary(ctx)
	if err == nil {
		return result, nil
	}
	logger := logging.Component("fallback")
	logger.Warn().Err(err).Str("operation", name).Msg("primary failed, using fallback")
	return fallback(ctx)
}

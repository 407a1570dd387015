package database

import (
	"context"
	"fmt"
	"time"

	"deal-pipeline/internal/common/logger"
)

// RetryWithBackoff runs operation until it succeeds, doubling the delay after each
// failure. It gives up after maxRetries attempts or when ctx is done.
func RetryWithBackoff(ctx context.Context, operation func(ctx context.Context) error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation(ctx)
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err.Error(),
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled after %d attempts: %w", operationName, i+1, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

// Conn is a connection that can be checked and released.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Connect opens a connection with open and pings it, retrying with backoff. A
// connection whose ping fails is closed before the next attempt.
func Connect[T Conn](ctx context.Context, open func() (T, error), maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) (T, error) {
	var conn T
	err := RetryWithBackoff(ctx, func(ctx context.Context) error {
		c, err := open()
		if err != nil {
			return err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return err
		}
		conn = c
		return nil
	}, maxRetries, initialDelay, log, operationName)
	if err != nil {
		var zero T
		return zero, err
	}
	return conn, nil
}

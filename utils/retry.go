package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for retry operations.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig covers transient startup failures such as the session
// database still being locked by a previous process.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  15 * time.Second,
	}
}

// WithRetry executes an operation with exponential backoff.
func WithRetry(operation func() error, config *RetryConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.MaxElapsedTime = config.MaxElapsedTime

	return backoff.Retry(operation, b)
}

// WithRetryContext is WithRetry but abandons the operation once ctx is done.
func WithRetryContext(ctx context.Context, operation func() error, config *RetryConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.MaxElapsedTime = config.MaxElapsedTime

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcrawl_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opcrawl_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opcrawl_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration: three attempts
// with 1s and 2s waits in between.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) validate() error {
	if c.MaxAttempts < 1 {
		return &ConfigError{Field: "retry.max_attempts", Reason: fmt.Sprintf("must be >= 1 (got %d)", c.MaxAttempts)}
	}
	if c.InitialBackoff < 0 {
		return &ConfigError{Field: "retry.initial_backoff", Reason: "must not be negative"}
	}
	if c.BackoffMultiplier < 1 {
		return &ConfigError{Field: "retry.backoff_multiplier", Reason: fmt.Sprintf("must be >= 1 (got %v)", c.BackoffMultiplier)}
	}
	return nil
}

// backoff returns the wait after the given zero-based attempt failed.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffMultiplier
	}
	backoff := time.Duration(d)
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// retryWithBackoff runs fn until it succeeds or config.MaxAttempts is reached.
// There is no wait after the final attempt. Every failed attempt is retried
// regardless of class; the returned *FetchError carries the last one.
func retryWithBackoff(ctx context.Context, config RetryConfig, logger zerolog.Logger, url string, fn func(attempt int) error) error {
	var last *attemptError

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 0 {
				logger.Info().
					Str("url", url).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}

		if !errors.As(err, &last) {
			last = &attemptError{class: ErrorClassNetwork, err: err}
		}

		// If this was the last attempt, don't wait
		if attempt+1 >= config.MaxAttempts {
			break
		}

		backoff := config.backoff(attempt)
		retriesTotal.WithLabelValues(string(last.class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(last.class)).Observe(backoff.Seconds())

		logger.Warn().
			Err(err).
			Str("url", url).
			Str("error_class", string(last.class)).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("url", url).
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(last.class)).Inc()
	logger.Error().
		Err(last.err).
		Str("url", url).
		Str("error_class", string(last.class)).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return &FetchError{
		URL:        url,
		StatusCode: last.statusCode,
		Attempts:   config.MaxAttempts,
		Class:      last.class,
		Err:        last.err,
	}
}

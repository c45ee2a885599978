package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Common errors
var (
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrContextCanceled    = errors.New("context canceled during retry")
)

// Config contains retry configuration
type Config struct {
	// MaxRetries is the number of retries after the initial attempt (0 = single attempt)
	MaxRetries int
	// InitialInterval is the first backoff interval (default: 50ms)
	InitialInterval time.Duration
	// MaxInterval caps the backoff interval (default: 2s)
	MaxInterval time.Duration
	// Multiplier grows the interval after each retry (default: 2.0)
	Multiplier float64
	// JitterFactor is the random jitter (0-1) applied to each interval, 0.2 means ±20%
	JitterFactor float64
	// ShouldRetry classifies errors not explicitly wrapped with Retryable or
	// Permanent. Nil retries every unmarked error.
	ShouldRetry func(err error) bool
}

// DefaultConfig returns default retry configuration, sized for short
// database transactions: 50ms, 100ms, 200ms ... capped at 2s.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      2,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.2,
	}
}

// Operation is the function to be retried
type Operation func(ctx context.Context) error

// RetryableError marks an error as safe to retry
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks an error as retryable
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// PermanentError marks an error that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as permanent (not retryable)
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Result contains the result of a retry operation
type Result struct {
	// Err is the final error (nil if successful). Permanent errors are unwrapped.
	Err error
	// Attempts is the total number of attempts made (including initial)
	Attempts int
	// TotalDuration is the total time spent including waits
	TotalDuration time.Duration
	// LastError is the error from the last attempt
	LastError error
}

// RetryCallback is called before each retry attempt
type RetryCallback func(attempt int, err error, nextInterval time.Duration)

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config *Config
}

// New creates a new Retrier with the given configuration
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}

	if config.InitialInterval <= 0 {
		config.InitialInterval = 50 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 2 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	config.JitterFactor = math.Max(0, math.Min(1, config.JitterFactor))

	return &Retrier{config: config}
}

// Do executes the operation with retry logic
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	return r.DoWithCallback(ctx, op, nil)
}

// DoWithCallback executes the operation with retry logic and a callback
func (r *Retrier) DoWithCallback(ctx context.Context, op Operation, callback RetryCallback) *Result {
	start := time.Now()
	result := &Result{}

	finish := func(err, last error) *Result {
		result.Err = err
		result.LastError = last
		result.TotalDuration = time.Since(start)
		return result
	}

	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return finish(ErrContextCanceled, lastErr)
		}

		result.Attempts = attempt + 1

		err := op(ctx)
		if err == nil {
			return finish(nil, nil)
		}
		lastErr = err

		if !r.retryable(err) {
			var permErr *PermanentError
			if errors.As(err, &permErr) {
				return finish(permErr.Err, permErr.Err)
			}
			return finish(err, err)
		}

		if attempt == r.config.MaxRetries {
			break
		}

		interval := r.calculateInterval(attempt)
		if callback != nil {
			callback(attempt+1, err, interval)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(ErrContextCanceled, lastErr)
		case <-timer.C:
		}
	}

	return finish(ErrMaxRetriesExceeded, lastErr)
}

func (r *Retrier) retryable(err error) bool {
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return false
	}
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return true
	}
	if r.config.ShouldRetry != nil {
		return r.config.ShouldRetry(err)
	}
	return true
}

// calculateInterval calculates the backoff interval for a given attempt
func (r *Retrier) calculateInterval(attempt int) time.Duration {
	interval := float64(r.config.InitialInterval) * math.Pow(r.config.Multiplier, float64(attempt))

	if r.config.JitterFactor > 0 {
		jitter := interval * r.config.JitterFactor
		interval += (rand.Float64()*2 - 1) * jitter
	}

	if interval > float64(r.config.MaxInterval) {
		interval = float64(r.config.MaxInterval)
	}
	if interval <= 0 {
		interval = float64(r.config.InitialInterval)
	}

	return time.Duration(interval)
}

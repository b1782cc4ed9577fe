// Package retry provides retry policies for transient failures when
// talking to the remote store.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy defines the retry policy interface
type Policy interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config contains retry configuration
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
	MaxRetries      int

	// RetryIf decides whether an error is retryable. Nil retries everything.
	RetryIf func(error) bool
}

// DefaultConfig returns the retry configuration used for remote store commands
func DefaultConfig() Config {
	return Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

// ExponentialBackoff implements Policy with jittered exponential backoff
type ExponentialBackoff struct {
	config Config
}

// NewExponentialBackoff creates a new exponential backoff retry policy
func NewExponentialBackoff(config Config) Policy {
	if config.InitialInterval <= 0 {
		config.InitialInterval = 100 * time.Millisecond
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = 30 * time.Second
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = 5 * time.Minute
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}

	return &ExponentialBackoff{config: config}
}

// Execute runs fn, retrying retryable errors until the policy is exhausted
// or the context is cancelled.
func (e *ExponentialBackoff) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.InitialInterval
	b.MaxInterval = e.config.MaxInterval
	b.Multiplier = e.config.Multiplier
	b.MaxElapsedTime = e.config.MaxElapsedTime

	var policy backoff.BackOff = b
	if e.config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(e.config.MaxRetries))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && e.config.RetryIf != nil && !e.config.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// None is a policy that never retries
type None struct{}

// NewNone creates a policy that executes the function exactly once
func NewNone() Policy {
	return None{}
}

// Execute runs fn once
func (None) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

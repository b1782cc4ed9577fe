package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

func TestExponentialBackoff_RetriesUntilSuccess(t *testing.T) {
	p := NewExponentialBackoff(fastConfig())

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExponentialBackoff_ExhaustsRetries(t *testing.T) {
	p := NewExponentialBackoff(fastConfig())

	attempts := 0
	failure := errors.New("always failing")
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return failure
	})
	require.ErrorIs(t, err, failure)
	assert.Equal(t, 4, attempts, "initial attempt plus MaxRetries")
}

func TestExponentialBackoff_NonRetryableStopsImmediately(t *testing.T) {
	cfg := fastConfig()
	permanent := errors.New("not found")
	cfg.RetryIf = func(err error) bool {
		return !errors.Is(err, permanent)
	}
	p := NewExponentialBackoff(cfg)

	attempts := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestExponentialBackoff_ContextCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialInterval = 100 * time.Millisecond
	cfg.MaxRetries = 100
	p := NewExponentialBackoff(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Execute(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	})
	assert.Error(t, err)
}

func TestNone_ExecutesOnce(t *testing.T) {
	p := NewNone()

	attempts := 0
	failure := errors.New("boom")
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return failure
	})
	require.ErrorIs(t, err, failure)
	assert.Equal(t, 1, attempts)
}

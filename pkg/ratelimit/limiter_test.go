package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskmesh/cachemesh/pkg/observability"
	"github.com/deskmesh/cachemesh/pkg/redis"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := redis.DefaultConfig()
	cfg.Address = mr.Addr()
	store, err := redis.NewClient(cfg, observability.NewNoopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	return New(store, observability.NewNoopLogger(), nil), mr, store
}

func TestLimiter_FixedWindowConservation(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{WindowMs: 1000, MaxRequests: 3, Algorithm: AlgorithmFixedWindow}

	for i := 1; i <= 3; i++ {
		res := l.Limit(ctx, "client", cfg)
		assert.True(t, res.Allowed, "call %d should be allowed", i)
		assert.Equal(t, int64(3-i), res.Remaining)
	}

	res := l.Limit(ctx, "client", cfg)
	assert.False(t, res.Allowed, "call 4 must be denied")
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// After the window elapses the counter resets
	mr.FastForward(1100 * time.Millisecond)
	res = l.Limit(ctx, "client", cfg)
	assert.True(t, res.Allowed, "first call of the new window should be allowed")
	assert.Equal(t, int64(1), res.Total)
}

func TestLimiter_FixedWindowIsolatesIdentifiers(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{WindowMs: 1000, MaxRequests: 1, Algorithm: AlgorithmFixedWindow}

	assert.True(t, l.Limit(ctx, "a", cfg).Allowed)
	assert.False(t, l.Limit(ctx, "a", cfg).Allowed)
	assert.True(t, l.Limit(ctx, "b", cfg).Allowed, "a's quota must not affect b")
}

func TestLimiter_SlidingLog(t *testing.T) {
	l, _, store := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{WindowMs: 60_000, MaxRequests: 2, Algorithm: AlgorithmSlidingLog}

	assert.True(t, l.Limit(ctx, "log", cfg).Allowed)
	assert.True(t, l.Limit(ctx, "log", cfg).Allowed)

	res := l.Limit(ctx, "log", cfg)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// The rejected request must not leave a phantom entry behind
	count, err := store.ZCard(ctx, "cachemesh:rl:log")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLimiter_SlidingCounter(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{WindowMs: 60_000, MaxRequests: 3, Algorithm: AlgorithmSlidingCounter}

	for i := 1; i <= 3; i++ {
		assert.True(t, l.Limit(ctx, "sc", cfg).Allowed, "call %d should be allowed", i)
	}
	res := l.Limit(ctx, "sc", cfg)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
}

func TestLimiter_TokenBucketBounds(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{WindowMs: 60_000, MaxRequests: 5, Algorithm: AlgorithmTokenBucket}

	// Burst far past the bucket size; remaining must stay within bounds
	var denied bool
	for i := 0; i < 20; i++ {
		res := l.Limit(ctx, "bucket", cfg)
		assert.GreaterOrEqual(t, res.Remaining, int64(0))
		assert.LessOrEqual(t, res.Remaining, int64(5))
		if !res.Allowed {
			denied = true
			assert.Greater(t, res.RetryAfter, time.Duration(0))
		}
	}
	assert.True(t, denied, "sustained burst must eventually be denied")
}

func TestLimiter_LeakyBucket(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{WindowMs: 60_000, MaxRequests: 3, Algorithm: AlgorithmLeakyBucket}

	for i := 1; i <= 3; i++ {
		assert.True(t, l.Limit(ctx, "leaky", cfg).Allowed, "call %d should fit in the bucket", i)
	}
	res := l.Limit(ctx, "leaky", cfg)
	assert.False(t, res.Allowed, "a full bucket must deny")
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestLimiter_UnknownAlgorithmFallsBack(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{WindowMs: 60_000, MaxRequests: 2, Algorithm: "quantum"}

	assert.True(t, l.Limit(ctx, "fb", cfg).Allowed)
	assert.True(t, l.Limit(ctx, "fb", cfg).Allowed)
	assert.False(t, l.Limit(ctx, "fb", cfg).Allowed, "fallback must still enforce the limit")
}

func TestLimiter_CheckDoesNotConsume(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{WindowMs: 60_000, MaxRequests: 2, Algorithm: AlgorithmFixedWindow}

	for i := 0; i < 5; i++ {
		res := l.Check(ctx, "probe", cfg)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(2), res.Remaining)
	}

	// Quota is still fully available
	assert.True(t, l.Limit(ctx, "probe", cfg).Allowed)
	assert.True(t, l.Limit(ctx, "probe", cfg).Allowed)
	assert.False(t, l.Limit(ctx, "probe", cfg).Allowed)
}

func TestLimiter_Reset(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{WindowMs: 60_000, MaxRequests: 1, Algorithm: AlgorithmFixedWindow}

	require.True(t, l.Limit(ctx, "victim", cfg).Allowed)
	require.False(t, l.Limit(ctx, "victim", cfg).Allowed)

	require.NoError(t, l.Reset(ctx, "victim", cfg))

	assert.True(t, l.Limit(ctx, "victim", cfg).Allowed, "quota must be fresh after reset")
}

func TestLimiter_BlockDuration(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	ctx := context.Background()

	cfg := Config{
		WindowMs:      1000,
		MaxRequests:   1,
		Algorithm:     AlgorithmFixedWindow,
		BlockDuration: time.Hour,
	}

	require.True(t, l.Limit(ctx, "abuser", cfg).Allowed)
	require.False(t, l.Limit(ctx, "abuser", cfg).Allowed)

	// The window elapses but the block penalty persists
	mr.FastForward(1100 * time.Millisecond)
	res := l.Limit(ctx, "abuser", cfg)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestLimiter_FailOpenOnStoreOutage(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	ctx := context.Background()
	mr.Close()

	algorithms := []string{
		AlgorithmFixedWindow,
		AlgorithmSlidingLog,
		AlgorithmSlidingCounter,
		AlgorithmTokenBucket,
		AlgorithmLeakyBucket,
	}
	for _, alg := range algorithms {
		t.Run(alg, func(t *testing.T) {
			cfg := Config{WindowMs: 1000, MaxRequests: 3, Algorithm: alg}
			res := l.Limit(ctx, "offline", cfg)
			assert.True(t, res.Allowed, "store outage must fail open")
			assert.Equal(t, int64(3), res.Remaining)
		})
	}
}

func TestPresets(t *testing.T) {
	cfg, err := Preset(PresetAuth)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmFixedWindow, cfg.Algorithm)
	assert.Greater(t, cfg.BlockDuration, time.Duration(0))

	_, err = Preset("nonexistent")
	assert.Error(t, err)

	assert.Len(t, Presets(), 4)
}

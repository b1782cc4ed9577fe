package invalidation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskmesh/cachemesh/pkg/cache"
	"github.com/deskmesh/cachemesh/pkg/observability"
	"github.com/deskmesh/cachemesh/pkg/redis"
)

// twoInstances wires two broadcasters onto one miniredis, simulating two
// service instances sharing a remote store.
func twoInstances(t *testing.T) (*Broadcaster, *cache.TieredCache, *Broadcaster, *cache.TieredCache) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	newInstance := func() (*Broadcaster, *cache.TieredCache) {
		cfg := redis.DefaultConfig()
		cfg.Address = mr.Addr()
		store, err := redis.NewClient(cfg, observability.NewNoopLogger(), nil)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = store.Close()
		})

		cacheCfg := cache.DefaultConfig()
		cacheCfg.Prefix = "test"
		tiered, err := cache.New(cacheCfg, store, observability.NewNoopLogger(), nil)
		require.NoError(t, err)

		b := New(Config{}, store, tiered, observability.NewNoopLogger())
		require.NoError(t, b.Initialize(context.Background()))
		t.Cleanup(func() {
			_ = b.Shutdown()
		})
		return b, tiered
	}

	b1, c1 := newInstance()
	b2, c2 := newInstance()
	return b1, c1, b2, c2
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestBroadcaster_KeyInvalidationPropagates(t *testing.T) {
	b1, c1, b2, c2 := twoInstances(t)
	ctx := context.Background()

	require.NoError(t, c1.Set(ctx, "shared", "v", nil))

	// Warm instance 2's L1 from the shared store
	var got string
	found, err := c2.Get(ctx, "shared", &got, nil)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, b1.InvalidateKeys(ctx, []string{"shared"}, nil))

	waitFor(t, func() bool {
		return b2.GetStats().Processed >= 1
	})

	found, err = c2.Get(ctx, "shared", &got, nil)
	require.NoError(t, err)
	assert.False(t, found, "instance 2 must drop its local copy")

	assert.Equal(t, int64(1), b1.GetStats().Published)
}

func TestBroadcaster_SelfEventSuppressed(t *testing.T) {
	b1, c1, b2, _ := twoInstances(t)
	ctx := context.Background()

	require.NoError(t, c1.Set(ctx, "mine", "v", nil))
	require.NoError(t, b1.InvalidateKeys(ctx, []string{"mine"}, nil))

	// Wait for the echo to reach both subscribers
	waitFor(t, func() bool {
		return b1.GetStats().Received >= 1 && b2.GetStats().Received >= 1
	})

	stats := b1.GetStats()
	assert.Equal(t, int64(0), stats.Processed, "own echo must not be re-applied")
	assert.Equal(t, int64(1), b2.GetStats().Processed)
}

func TestBroadcaster_TagInvalidationPropagates(t *testing.T) {
	b1, c1, b2, c2 := twoInstances(t)
	ctx := context.Background()

	require.NoError(t, c1.Set(ctx, "tagged:1", "a", &cache.Options{Tags: []string{"grp"}}))

	var got string
	found, err := c2.Get(ctx, "tagged:1", &got, nil)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, b1.InvalidateTags(ctx, []string{"grp"}, nil))

	waitFor(t, func() bool {
		return b2.GetStats().Processed >= 1
	})

	found, err = c2.Get(ctx, "tagged:1", &got, nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBroadcaster_CallbacksRunInOrderAndIsolated(t *testing.T) {
	b1, c1, b2, _ := twoInstances(t)
	ctx := context.Background()

	var order []int
	done := make(chan struct{})
	b2.OnInvalidation(func(Event) {
		order = append(order, 1)
		panic("listener blew up")
	})
	b2.OnInvalidation(func(Event) {
		order = append(order, 2)
		close(done)
	})

	require.NoError(t, c1.Set(ctx, "cb", "v", nil))
	require.NoError(t, b1.InvalidateKeys(ctx, []string{"cb"}, nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second callback never ran")
	}
	assert.Equal(t, []int{1, 2}, order)
	assert.GreaterOrEqual(t, b2.GetStats().Errors, int64(1))
}

func TestBroadcaster_MalformedEventCountsError(t *testing.T) {
	_, _, b2, _ := twoInstances(t)

	require.NoError(t, b2.store.Publish(context.Background(), b2.channel, "{not json"))

	waitFor(t, func() bool {
		return b2.GetStats().Errors >= 1
	})
	assert.Equal(t, int64(0), b2.GetStats().Processed)
}

func TestBroadcaster_ResetStats(t *testing.T) {
	b1, c1, _, _ := twoInstances(t)
	ctx := context.Background()

	require.NoError(t, c1.Set(ctx, "r", "v", nil))
	require.NoError(t, b1.InvalidateKeys(ctx, []string{"r"}, nil))
	require.GreaterOrEqual(t, b1.GetStats().Published, int64(1))

	b1.ResetStats()
	assert.Equal(t, Stats{}, b1.GetStats())
}

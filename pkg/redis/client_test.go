package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskmesh/cachemesh/pkg/observability"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultConfig()
	cfg.Address = mr.Addr()
	client, err := NewClient(cfg, observability.NewNoopLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, mr
}

func TestClient_ConnectFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond

	_, err := NewClient(cfg, observability.NewNoopLogger(), nil)
	assert.Error(t, err)
}

func TestClient_GetSetDel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "absent")
	assert.ErrorIs(t, err, Nil)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	n, err := c.Del(ctx, "k", "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_TTLConventions(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	d, err := c.TTL(ctx, "absent")
	require.NoError(t, err)
	assert.Equal(t, -2*time.Second, d)

	require.NoError(t, c.Set(ctx, "forever", "v", 0))
	d, err = c.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, -1*time.Second, d)

	require.NoError(t, c.Set(ctx, "timed", "v", time.Minute))
	d, err = c.TTL(ctx, "timed")
	require.NoError(t, err)
	assert.Greater(t, d, 50*time.Second)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "timed")
	assert.ErrorIs(t, err, Nil)
}

func TestClient_IncrExpire(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.Expire(ctx, "counter", time.Second))
	mr.FastForward(2 * time.Second)

	ok, err := c.Exists(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_SortedSets(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.ZAdd(ctx, "zs", 1, "a"))
	require.NoError(t, c.ZAdd(ctx, "zs", 2, "b"))
	require.NoError(t, c.ZAdd(ctx, "zs", 3, "c"))

	n, err := c.ZCard(ctx, "zs")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = c.ZCount(ctx, "zs", "2", "3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.ZRemRangeByScore(ctx, "zs", "0", "1"))
	zs, err := c.ZRangeWithScores(ctx, "zs", 0, -1)
	require.NoError(t, err)
	require.Len(t, zs, 2)
	assert.Equal(t, "b", zs[0].Member)

	require.NoError(t, c.ZRem(ctx, "zs", "b"))
	n, err = c.ZCard(ctx, "zs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_Sets(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "tags", "a", "b"))
	members, err := c.SMembers(ctx, "tags")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, c.SRem(ctx, "tags", "a"))
	members, err = c.SMembers(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestClient_ScanKeys(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, k := range []string{"app:1", "app:2", "app:3", "other:1"} {
		require.NoError(t, c.Set(ctx, k, "v", 0))
	}

	keys, err := c.ScanKeys(ctx, "app:*", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app:1", "app:2", "app:3"}, keys)
}

func TestClient_Pipelined(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	var incr *goredis.IntCmd
	_, err := c.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, "p", "1", 0)
		incr = pipe.Incr(ctx, "p")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), incr.Val())
}

func TestClient_PubSub(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer func() {
		_ = sub.Close()
	}()

	require.NoError(t, c.Publish(ctx, "events", "hello"))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestClient_Health(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	status := c.Health(ctx)
	assert.True(t, status.Connected)
	assert.Empty(t, status.Error)
	assert.False(t, status.CheckedAt.IsZero())

	mr.Close()
	status = c.Health(ctx)
	assert.False(t, status.Connected)
	assert.NotEmpty(t, status.Error)
}

func TestParseUsedMemory(t *testing.T) {
	info := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\n"
	assert.Equal(t, int64(1048576), parseUsedMemory(info))
	assert.Equal(t, int64(0), parseUsedMemory("no memory section"))
}

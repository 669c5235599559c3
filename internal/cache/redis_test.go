// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedbot/ingest/internal/log"
)

func newRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(RedisConfig{Addr: mr.Addr()}, log.WithComponent("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisGetSet(t *testing.T) {
	c, _ := newRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key1", testEntry("/data/a.mp4"), time.Minute))

	got, ok, err := c.Get(ctx, "key1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/data/a.mp4", got.Path)
	assert.Equal(t, "video/mp4", got.MediaType)
}

func TestRedisMiss(t *testing.T) {
	c, _ := newRedis(t)

	_, ok, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestRedisTTL(t *testing.T) {
	c, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ttl", testEntry("/data/b.mp4"), time.Second))

	_, ok, _ := c.Get(ctx, "ttl")
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, _ = c.Get(ctx, "ttl")
	assert.False(t, ok, "entry should expire after TTL")
}

func TestRedisCorruptEntryIsMiss(t *testing.T) {
	c, mr := newRedis(t)

	require.NoError(t, mr.Set(redisKeyPrefix+"bad", "{not json"))

	_, ok, err := c.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDelete(t *testing.T) {
	c, _ := newRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "del", testEntry("/data/c.mp4"), time.Minute))
	require.NoError(t, c.Delete(ctx, "del"))

	_, ok, _ := c.Get(ctx, "del")
	assert.False(t, ok)
}

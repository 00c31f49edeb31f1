package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *Redis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisWithClient(client, "devicestore:", ttl)
	t.Cleanup(func() { c.Close() })
	return mr, c
}

func TestRedis_GetSetInvalidate(t *testing.T) {
	ctx := context.Background()
	mr, c := setupTestRedis(t, time.Minute)

	_, err := c.Get(ctx, KindDevice, "hw-1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, KindDevice, "hw-1", []byte{0x00, 0x01, 0xff}))
	assert.True(t, mr.Exists("devicestore:device:hw-1"))

	got, err := c.Get(ctx, KindDevice, "hw-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, got)

	require.NoError(t, c.Invalidate(ctx, KindDevice, "hw-1"))
	_, err = c.Get(ctx, KindDevice, "hw-1")
	assert.ErrorIs(t, err, ErrMiss)

	m := c.Metrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(2), m.Misses)
}

func TestRedis_TTL(t *testing.T) {
	ctx := context.Background()
	mr, c := setupTestRedis(t, 30*time.Second)

	require.NoError(t, c.Set(ctx, KindSite, "s1", []byte("x")))
	assert.Equal(t, 30*time.Second, mr.TTL("devicestore:site:s1"))

	mr.FastForward(31 * time.Second)
	_, err := c.Get(ctx, KindSite, "s1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedis_ServerDown(t *testing.T) {
	ctx := context.Background()
	mr, c := setupTestRedis(t, 0)
	mr.Close()

	_, err := c.Get(ctx, KindSite, "s1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}

func TestNewRedis_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "p:"})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), KindSpecification, "spec", []byte("v")))
	assert.True(t, mr.Exists("p:specification:spec"))
}

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/angelmondragon/immsbatch/pkg/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return Wrap(raw), mr
}

func TestSetNXHonoursExistingKeyAndTTL(t *testing.T) {
	ctx := context.Background()
	client, mr := newMiniredisClient(t)

	ok, err := client.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", value)

	mr.FastForward(2 * time.Minute)
	_, err = client.Get(ctx, "k")
	assert.True(t, errors.Is(err, Nil))
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	client, _ := newMiniredisClient(t)

	require.NoError(t, client.Set(ctx, "perm", "[\"FLU.C\"]", 0))
	value, err := client.Get(ctx, "perm")
	require.NoError(t, err)
	assert.Equal(t, "[\"FLU.C\"]", value)

	_, err = client.Get(ctx, "missing")
	assert.ErrorIs(t, err, Nil)
	require.NoError(t, client.Ping(ctx))
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	assert.Equal(t, "imms:idempotency:ack-consumer:msg-1", client.IdempotencyKey("ack-consumer", "msg-1"))
	assert.Equal(t, "imms:permissions:RAVS", client.PermissionsKey("ravs"))
	assert.Equal(t, "imms:lock:cron", client.LockKey("cron"))
	assert.Equal(t, "imms:idempotency:x", client.IdempotencyKey("", "x"))
}

func TestUninitializedClientErrors(t *testing.T) {
	client := &Client{}
	ctx := context.Background()
	_, err := client.Get(ctx, "k")
	assert.Error(t, err)
	_, err = client.SetNX(ctx, "k", "v", time.Second)
	assert.Error(t, err)
	assert.Error(t, client.Ping(ctx))
	assert.NoError(t, client.Close())
}

func TestOptionsFromConfig(t *testing.T) {
	_, err := optionsFromConfig(config.RedisConfig{})
	require.Error(t, err)

	opts, err := optionsFromConfig(config.RedisConfig{
		URL:         "redis://:secret@cache:6380/2",
		PoolSize:    7,
		DialTimeout: 3 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, 3*time.Second, opts.DialTimeout)

	opts, err = optionsFromConfig(config.RedisConfig{Address: "localhost:6379", DB: 4})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 4, opts.DB)
}

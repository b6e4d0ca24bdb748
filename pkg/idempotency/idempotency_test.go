package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/immsbatch/pkg/redis"
)

type fakeStore struct {
	setNXResult bool
	setNXError  error
	lastKey     string
	lastTTL     time.Duration
}

func (f *fakeStore) Get(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.lastKey = key
	f.lastTTL = ttl
	return f.setNXResult, f.setNXError
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return "imms:idempotency:" + scope + ":" + id
}

func TestMarkSetsScopedKeyWithTTL(t *testing.T) {
	store := &fakeStore{setNXResult: true}
	guard, err := NewGuard(store, 24*time.Hour)
	require.NoError(t, err)

	require.NoError(t, guard.Mark(context.Background(), "ack-consumer", "1234"))
	assert.Equal(t, "imms:idempotency:msg:handled:ack-consumer:1234", store.lastKey)
	assert.Equal(t, 24*time.Hour, store.lastTTL)
}

func TestMarkPropagatesStoreError(t *testing.T) {
	guard, err := NewGuard(&fakeStore{setNXError: errors.New("redis down")}, time.Hour)
	require.NoError(t, err)

	require.Error(t, guard.Mark(context.Background(), "ack-consumer", "1234"))
}

func TestGuardRequiresIdentifiers(t *testing.T) {
	guard, err := NewGuard(&fakeStore{}, time.Hour)
	require.NoError(t, err)

	assert.Error(t, guard.Mark(context.Background(), "", "1234"))
	_, err = guard.Seen(context.Background(), "ack-consumer", " ")
	assert.Error(t, err)
}

func TestMarkExpiresWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })

	guard, err := NewGuard(redis.Wrap(raw), time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, guard.Mark(ctx, "ack-consumer", "m-1"))
	require.NoError(t, guard.Mark(ctx, "ack-consumer", "m-1"), "marking twice is harmless")

	mr.FastForward(2 * time.Minute)
	seen, err := guard.Seen(ctx, "ack-consumer", "m-1")
	require.NoError(t, err)
	assert.False(t, seen, "marks expire with the ttl")
}

func TestNewGuardValidation(t *testing.T) {
	_, err := NewGuard(nil, time.Hour)
	assert.Error(t, err)
	_, err = NewGuard(&fakeStore{}, -time.Second)
	assert.Error(t, err)
}

func TestSeenAndMarkAgainstMiniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })

	guard, err := NewGuard(redis.Wrap(raw), time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := guard.Seen(ctx, "ack-consumer", "m-2")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, guard.Mark(ctx, "ack-consumer", "m-2"))
	seen, err = guard.Seen(ctx, "ack-consumer", "m-2")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = guard.Seen(ctx, "other-consumer", "m-2")
	require.NoError(t, err)
	assert.False(t, seen, "consumers are isolated")
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRegistry(client), mr
}

func TestKey(t *testing.T) {
	assert.Equal(t, "session:u1:d1:j1", Key("u1", "d1", "j1"))
}

func TestRedisRegistry_PutExistsDelete(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, "u1", "d1", "j1", "token-value", time.Hour))

	ok, err := reg.Exists(ctx, "u1", "d1", "j1")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := mr.Get("session:u1:d1:j1")
	require.NoError(t, err)
	assert.Equal(t, "token-value", stored)
	assert.Equal(t, time.Hour, mr.TTL("session:u1:d1:j1"))

	require.NoError(t, reg.Delete(ctx, "u1", "d1", "j1"))
	ok, err = reg.Exists(ctx, "u1", "d1", "j1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, reg.Delete(ctx, "u1", "d1", "j1"), "deleting twice is harmless")
}

func TestRedisRegistry_ExpiresWithTTL(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, "u1", "d1", "j1", "tok", time.Minute))
	mr.FastForward(time.Minute + time.Second)

	ok, err := reg.Exists(ctx, "u1", "d1", "j1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRegistry_DeleteLeavesOtherDevices(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, "u1", "laptop", "j1", "a", time.Hour))
	require.NoError(t, reg.Put(ctx, "u1", "phone", "j2", "b", time.Hour))

	require.NoError(t, reg.Delete(ctx, "u1", "laptop", "j1"))

	ok, err := reg.Exists(ctx, "u1", "phone", "j2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisRegistry_DeleteAllForUser(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, "u1", "laptop", "j1", "a", time.Hour))
	require.NoError(t, reg.Put(ctx, "u1", "phone", "j2", "b", time.Hour))
	require.NoError(t, reg.Put(ctx, "u2", "phone", "j3", "c", time.Hour))

	n, err := reg.DeleteAllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := reg.Exists(ctx, "u2", "phone", "j3")
	require.NoError(t, err)
	assert.True(t, ok, "other users are untouched")
}

func TestRedisRegistry_RejectsInvalidInput(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.Error(t, reg.Put(ctx, "", "d", "j", "t", time.Hour))
	assert.Error(t, reg.Put(ctx, "u", "d:x", "j", "t", time.Hour))
	assert.Error(t, reg.Put(ctx, "u", "d", "j", "t", 0))
	_, err := reg.DeleteAllForUser(ctx, "*")
	assert.Error(t, err)

	ok, err := reg.Exists(ctx, "u", "", "j")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRegistry_Unavailable(t *testing.T) {
	reg, mr := newTestRegistry(t)
	mr.Close()

	_, err := reg.Exists(context.Background(), "u1", "d1", "j1")
	assert.Error(t, err)
}

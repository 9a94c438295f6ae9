package prefs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })
	return mr, NewRedisStore(c, "mediqueue:")
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, KeyNotificationsEnabled, "true"))
	assert.True(t, mr.Exists("mediqueue:"+KeyNotificationsEnabled))

	v, err := s.Get(ctx, KeyNotificationsEnabled)
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	require.NoError(t, s.Delete(ctx, KeyNotificationsEnabled))
	_, err = s.Get(ctx, KeyNotificationsEnabled)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore_Miss(t *testing.T) {
	_, s := setupTestRedis(t)
	_, err := s.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer c.Close()

	_, err = NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, KeyLegacyQueue)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, s.Set(ctx, KeyLegacyQueue, "[]"))
	v, err := s.Get(ctx, KeyLegacyQueue)
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	require.NoError(t, s.Delete(ctx, KeyLegacyQueue))
	_, err = s.Get(ctx, KeyLegacyQueue)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestBoolHelpers(t *testing.T) {
	for name, s := range map[string]Store{"memory": NewMemoryStore(), "redis": func() Store { _, r := setupTestRedis(t); return r }()} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			v, err := GetBool(ctx, s, KeyNotificationsEnabled, true)
			require.NoError(t, err)
			assert.True(t, v, "unset preference should return the default")

			require.NoError(t, SetBool(ctx, s, KeyNotificationsEnabled, false))
			v, err = GetBool(ctx, s, KeyNotificationsEnabled, true)
			require.NoError(t, err)
			assert.False(t, v)

			require.NoError(t, s.Set(ctx, KeyNotificationsEnabled, "maybe"))
			v, err = GetBool(ctx, s, KeyNotificationsEnabled, true)
			assert.Error(t, err)
			assert.True(t, v)
		})
	}
}

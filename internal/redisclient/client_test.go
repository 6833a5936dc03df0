package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := newClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })
	return client, mr
}

type snapshot struct {
	Tax   string        `json:"tax"`
	Lock  time.Duration `json:"lock"`
	Rules []string      `json:"rules"`
}

func TestJSONRoundTrip(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	var got snapshot
	hit, err := client.GetJSON(ctx, "settings", &got)
	require.NoError(t, err)
	assert.False(t, hit)

	want := snapshot{Tax: "18", Lock: 30 * time.Minute, Rules: []string{"gold"}}
	require.NoError(t, client.SetJSON(ctx, "settings", want, time.Minute))

	hit, err = client.GetJSON(ctx, "settings", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, got)

	mr.FastForward(2 * time.Minute)
	hit, err = client.GetJSON(ctx, "settings", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestGetJSONCorruptValue(t *testing.T) {
	client, mr := setupTestRedis(t)
	require.NoError(t, mr.Set("settings", "{not json"))

	var got snapshot
	_, err := client.GetJSON(context.Background(), "settings", &got)
	assert.Error(t, err)
}

func TestLockOwnership(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	first, err := client.AcquireLock(ctx, "reaper", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := client.AcquireLock(ctx, "reaper", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	// the first holder's lease lapses and someone else takes it
	mr.FastForward(2 * time.Minute)
	second, err = client.AcquireLock(ctx, "reaper", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)

	extended, err := first.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	require.NoError(t, first.Release(ctx))
	assert.True(t, mr.Exists("lock:reaper"))

	extended, err = second.Extend(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	require.NoError(t, second.Release(ctx))
	assert.False(t, mr.Exists("lock:reaper"))
}

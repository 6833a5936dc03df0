package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"checkout-engine/internal/redisclient"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingExpirer struct {
	calls  atomic.Int32
	expire int
	err    error
}

func (c *countingExpirer) ExpireLapsed(ctx context.Context, limit int) (int, error) {
	c.calls.Add(1)
	return c.expire, c.err
}

type countingReleaser struct {
	calls   atomic.Int32
	release int
	limit   int
}

func (c *countingReleaser) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	c.calls.Add(1)
	c.limit = limit
	return c.release, nil
}

func TestRunOnceWithoutLeader(t *testing.T) {
	intents := &countingExpirer{expire: 2}
	locks := &countingReleaser{release: 3}
	reaper := NewReaper(intents, locks, nil, time.Minute, 100)

	result, err := reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 2, Released: 3}, result)
	assert.Equal(t, 100, locks.limit)
}

func TestRunOnceKeepsSweepingAfterIntentFailure(t *testing.T) {
	intents := &countingExpirer{err: errors.New("list failed")}
	locks := &countingReleaser{release: 1}
	reaper := NewReaper(intents, locks, nil, time.Minute, 10)

	result, err := reaper.RunOnce(context.Background())
	assert.ErrorContains(t, err, "list failed")
	assert.Equal(t, 1, result.Released)
	assert.EqualValues(t, 1, locks.calls.Load())
}

func TestRunOnceSkipsWhenAnotherReplicaLeads(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	held, err := client.AcquireLock(context.Background(), reaperLockKey, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	intents := &countingExpirer{}
	locks := &countingReleaser{}
	reaper := NewReaper(intents, locks, client, time.Minute, 10)

	result, err := reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.EqualValues(t, 0, intents.calls.Load())

	require.NoError(t, held.Release(context.Background()))
	result, err = reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.EqualValues(t, 1, intents.calls.Load())
	// the sweep hands the lease back when done
	assert.False(t, mr.Exists("lock:"+reaperLockKey))
}

func TestStartSweepsUntilCancelled(t *testing.T) {
	intents := &countingExpirer{}
	locks := &countingReleaser{}
	reaper := NewReaper(intents, locks, nil, 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Start(ctx) }()

	require.Eventually(t, func() bool { return intents.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

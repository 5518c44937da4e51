package pool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T, capacity uint64) *Pool {
	t.Helper()
	p, err := OpenMemory(t.Name(), capacity)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Cleanup()) })
	return p
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	p := openTestPool(t, DefaultCapacity)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "greeting", "hello", 0))

	value, meta, err := p.Get(ctx, "greeting")
	require.NoError(t, err)
	require.Equal(t, "hello", value)
	require.Equal(t, uint64(1), meta.Version)
	require.Equal(t, time.Duration(0), meta.TTL)
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	t.Parallel()
	p := openTestPool(t, DefaultCapacity)
	value, meta, err := p.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, value)
	require.Nil(t, meta)
}

func TestSetIncrementsVersion(t *testing.T) {
	t.Parallel()
	p := openTestPool(t, DefaultCapacity)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "k", 1, 0))
	require.NoError(t, p.Set(ctx, "k", 2, 0))
	require.NoError(t, p.Set(ctx, "k", 3, 0))

	_, meta, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, uint64(3), meta.Version)
}

func TestDeleteReportsPriorPresence(t *testing.T) {
	t.Parallel()
	p := openTestPool(t, DefaultCapacity)
	ctx := context.Background()

	existed, err := p.Delete(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, existed)

	require.NoError(t, p.Set(ctx, "k", "v", 0))
	existed, err = p.Delete(ctx, "k")
	require.NoError(t, err)
	require.True(t, existed)

	value, _, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestTTLExpiryEvaluatedAtRead(t *testing.T) {
	t.Parallel()
	p, err := OpenMemory(t.Name(), DefaultCapacity)
	require.NoError(t, err)
	defer p.Cleanup()
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "k", "v", 10*time.Millisecond))
	value, _, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", value)

	time.Sleep(30 * time.Millisecond)
	value, meta, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.Nil(t, value)
	require.Nil(t, meta)
}

func TestClearRemovesEverything(t *testing.T) {
	t.Parallel()
	p := openTestPool(t, DefaultCapacity)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Set(ctx, fmt.Sprintf("k%d", i), i, 0))
	}
	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, stats.EntryCount)

	require.NoError(t, p.Clear(ctx))
	stats, err = p.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.EntryCount)
}

func TestSnapshotReflectsLiveKeysOnly(t *testing.T) {
	t.Parallel()
	p := openTestPool(t, DefaultCapacity)
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "a", 1, 0))
	require.NoError(t, p.Set(ctx, "b", 2, 0))
	_, err := p.Delete(ctx, "a")
	require.NoError(t, err)

	snap, err := p.Snapshot(ctx)
	require.NoError(t, err)
	_, hasA := snap["a"]
	require.False(t, hasA)
	require.Equal(t, uint64(1), snap["b"])
}

func TestSweeperConvertsExpiredEntriesToTombstones(t *testing.T) {
	t.Parallel()
	p, err := Open(Options{Name: t.Name(), Capacity: DefaultCapacity, inMemory: true, SweepInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer p.Cleanup()
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "k", "v", 5*time.Millisecond))

	require.Eventually(t, func() bool {
		stats, err := p.Stats(ctx)
		require.NoError(t, err)
		return stats.ExpiredSwept == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEncryptedPoolRoundTrips(t *testing.T) {
	t.Parallel()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	p, err := Open(Options{Name: t.Name(), Capacity: DefaultCapacity, inMemory: true, EncryptionKey: key})
	require.NoError(t, err)
	defer p.Cleanup()
	ctx := context.Background()

	require.NoError(t, p.Set(ctx, "secret", "value", 0))
	value, _, err := p.Get(ctx, "secret")
	require.NoError(t, err)
	require.Equal(t, "value", value)
}

func TestSetOnStoppedPoolFails(t *testing.T) {
	t.Parallel()
	p, err := OpenMemory(t.Name(), DefaultCapacity)
	require.NoError(t, err)
	require.NoError(t, p.Cleanup())

	err = p.Set(context.Background(), "k", "v", 0)
	require.ErrorIs(t, err, ErrStopped)
}

package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mvent-dev/mvent/pool"
)

func openTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.OpenMemory(t.Name(), pool.DefaultCapacity)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Cleanup()) })
	return p
}

func TestFirstAttachDoesNotReplayExistingValue(t *testing.T) {
	t.Parallel()
	p := openTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.Set(ctx, "k", "before", 0))

	w := New(p, Options{Interval: 5 * time.Millisecond})
	defer w.Close()

	var mu sync.Mutex
	var events []Event
	cancel, err := w.Subscribe("k", func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	require.Empty(t, events)
	mu.Unlock()

	require.NoError(t, p.Set(ctx, "k", "after", 0))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, "after", events[0].Value)
	require.False(t, events[0].Tomb)
	mu.Unlock()
}

func TestDeleteDeliversTombstone(t *testing.T) {
	t.Parallel()
	p := openTestPool(t)
	ctx := context.Background()

	w := New(p, Options{Interval: 5 * time.Millisecond})
	defer w.Close()

	events := make(chan Event, 8)
	cancel, err := w.Subscribe("k", func(ev Event) { events <- ev })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, p.Set(ctx, "k", "v", 0))
	select {
	case ev := <-events:
		require.False(t, ev.Tomb)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for set event")
	}

	_, err = p.Delete(ctx, "k")
	require.NoError(t, err)
	select {
	case ev := <-events:
		require.True(t, ev.Tomb)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tombstone event")
	}
}

func TestRapidChangesCoalesceBetweenPolls(t *testing.T) {
	t.Parallel()
	p := openTestPool(t)
	ctx := context.Background()

	w := New(p, Options{Interval: 200 * time.Millisecond})
	defer w.Close()

	events := make(chan Event, 32)
	cancel, err := w.Subscribe("k", func(ev Event) { events <- ev })
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 20; i++ {
		require.NoError(t, p.Set(ctx, "k", i, 0))
	}

	select {
	case ev := <-events:
		require.Equal(t, int64(19), ev.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coalesced event")
	}
	select {
	case ev := <-events:
		t.Fatalf("expected exactly one coalesced event, got extra: %+v", ev)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestCallbackPanicDoesNotHaltDispatch(t *testing.T) {
	t.Parallel()
	p := openTestPool(t)
	ctx := context.Background()

	w := New(p, Options{Interval: 5 * time.Millisecond})
	defer w.Close()

	_, err := w.Subscribe("a", func(Event) { panic("boom") })
	require.NoError(t, err)

	gotB := make(chan struct{}, 1)
	_, err = w.Subscribe("b", func(Event) {
		select {
		case gotB <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	require.NoError(t, p.Set(ctx, "a", "x", 0))
	require.NoError(t, p.Set(ctx, "b", "y", 0))

	select {
	case <-gotB:
	case <-time.After(time.Second):
		t.Fatal("panicking subscriber on key a blocked delivery to key b")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	p := openTestPool(t)
	ctx := context.Background()

	w := New(p, Options{Interval: 5 * time.Millisecond})
	defer w.Close()

	var calls atomic.Int32
	cancel, err := w.Subscribe("k", func(Event) { calls.Add(1) })
	require.NoError(t, err)

	require.NoError(t, p.Set(ctx, "k", "1", 0))
	time.Sleep(30 * time.Millisecond)
	cancel()

	require.NoError(t, p.Set(ctx, "k", "2", 0))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

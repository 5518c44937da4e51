package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mvent-dev/mvent/pool"
	"github.com/mvent-dev/mvent/stream"
	"github.com/mvent-dev/mvent/watch"
)

func openTestPool(t *testing.T) (*pool.Pool, *watch.Watcher) {
	t.Helper()
	p, err := pool.OpenMemory(t.Name(), pool.DefaultCapacity)
	require.NoError(t, err)
	w := watch.New(p, watch.Options{Interval: 5 * time.Millisecond})
	t.Cleanup(func() {
		w.Close()
		require.NoError(t, p.Cleanup())
	})
	return p, w
}

func TestSendDeliversToOtherConnectionInSameRoom(t *testing.T) {
	t.Parallel()
	p, w := openTestPool(t)
	r := Open(p, w, Options{})
	defer r.Cleanup()

	alice, err := r.Connect("lobby")
	require.NoError(t, err)
	defer alice.Disconnect()
	bob, err := r.Connect("lobby")
	require.NoError(t, err)
	defer bob.Disconnect()

	received := make(chan stream.Delivery, 1)
	bob.Subscribe(func(d stream.Delivery) { received <- d })

	require.NoError(t, alice.Send(context.Background(), "hi"))

	select {
	case d := <-received:
		require.Equal(t, "hi", d.Value)
	case <-time.After(time.Second):
		t.Fatal("bob never received alice's message")
	}
}

func TestRoomsAreNamespacedIndependently(t *testing.T) {
	t.Parallel()
	p, w := openTestPool(t)
	r := Open(p, w, Options{})
	defer r.Cleanup()

	lobby, err := r.Connect("lobby")
	require.NoError(t, err)
	defer lobby.Disconnect()
	game, err := r.Connect("game")
	require.NoError(t, err)
	defer game.Disconnect()

	received := make(chan stream.Delivery, 1)
	game.Subscribe(func(d stream.Delivery) { received <- d })

	require.NoError(t, lobby.Send(context.Background(), "lobby chatter"))

	select {
	case <-received:
		t.Fatal("game room should not observe lobby traffic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectTearsDownRoomAfterLastConnection(t *testing.T) {
	t.Parallel()
	p, w := openTestPool(t)
	r := Open(p, w, Options{})
	defer r.Cleanup()

	conn, err := r.Connect("solo")
	require.NoError(t, err)
	conn.Disconnect()

	r.mu.Lock()
	_, exists := r.rooms["solo"]
	r.mu.Unlock()
	require.False(t, exists)
}

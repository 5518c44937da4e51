package wsgateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mvent-dev/mvent/pool"
	"github.com/mvent-dev/mvent/room"
	"github.com/mvent-dev/mvent/watch"
)

func TestServeRoomRelaysDeliveryToClient(t *testing.T) {
	t.Parallel()
	p, err := pool.OpenMemory(t.Name(), pool.DefaultCapacity)
	require.NoError(t, err)
	defer p.Cleanup()
	w := watch.New(p, watch.Options{Interval: 5 * time.Millisecond})
	defer w.Close()

	rooms := room.Open(p, w, room.Options{})
	defer rooms.Cleanup()

	gw := New(rooms, Options{})
	require.NoError(t, gw.StartWithError("127.0.0.1:0"))
	defer gw.Close()

	url := "ws://" + gw.Address() + "/room/lobby"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	// Give the server a moment to join the room before publishing.
	time.Sleep(20 * time.Millisecond)
	conn, err := rooms.Connect("lobby")
	require.NoError(t, err)
	defer conn.Disconnect()
	require.NoError(t, conn.Send(context.Background(), "hello"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	require.True(t, strings.Contains(string(msg), "hello"))
	require.True(t, strings.Contains(string(msg), `"room":"lobby"`))
}

// TestListenReportsServeFailureViaStartErr exercises listen directly
// against an already-closed listener, which makes server.Serve fail
// immediately the same way a misconfigured server would. Before the
// startErr channel was actually wired, this failure was only logged
// and StartWithError would have reported success regardless.
func TestListenReportsServeFailureViaStartErr(t *testing.T) {
	t.Parallel()
	p, err := pool.OpenMemory(t.Name(), pool.DefaultCapacity)
	require.NoError(t, err)
	defer p.Cleanup()
	w := watch.New(p, watch.Options{Interval: 5 * time.Millisecond})
	defer w.Close()
	rooms := room.Open(p, w, room.Options{})
	defer rooms.Cleanup()

	gw := New(rooms, Options{})
	gw.startErr = make(chan error, 1)
	gw.server = &http.Server{}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	gw.listenWg.Add(1)
	gw.listen(ln)

	select {
	case err := <-gw.startErr:
		require.Error(t, err)
	default:
		t.Fatal("expected listen to report the Serve failure on startErr")
	}
}

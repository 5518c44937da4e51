package router

import (
	"context"
	"errors"
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

func TestSendRequestCallsLocalHandlerDirectly(t *testing.T) {
	t.Parallel()
	p, w := openTestPool(t)
	r := Open(p, w, Options{})
	defer r.Cleanup()

	require.NoError(t, r.Route("echo", func(_ context.Context, req any) (any, error) {
		return req, nil
	}))

	resp, err := r.SendRequest(context.Background(), "echo", "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", resp)

	// A locally served call never touches the pool.
	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap)
}

func TestSendRequestWithoutLocalHandlerTimesOut(t *testing.T) {
	t.Parallel()
	p, w := openTestPool(t)
	r := Open(p, w, Options{CallTimeout: 30 * time.Millisecond})
	defer r.Cleanup()

	_, err := r.SendRequest(context.Background(), "nobody/home", "x")
	require.ErrorIs(t, err, ErrCallTimeout)
}

func TestRemoteRouterServesRequestFromAnotherRouter(t *testing.T) {
	t.Parallel()
	p, err := pool.OpenMemory(t.Name(), pool.DefaultCapacity)
	require.NoError(t, err)
	defer p.Cleanup()

	// Two independent routers, each with its own watcher, stand in for
	// two separate processes sharing one pool.
	serverWatch := watch.New(p, watch.Options{Interval: 5 * time.Millisecond})
	defer serverWatch.Close()
	server := Open(p, serverWatch, Options{})
	defer server.Cleanup()
	require.NoError(t, server.Route("add", func(_ context.Context, req any) (any, error) {
		nums := req.([]any)
		return nums[0].(int64) + nums[1].(int64), nil
	}))

	clientWatch := watch.New(p, watch.Options{Interval: 5 * time.Millisecond})
	defer clientWatch.Close()
	client := Open(p, clientWatch, Options{CallTimeout: time.Second})
	defer client.Cleanup()

	resp, err := client.SendRequest(context.Background(), "add", []any{int64(2), int64(3)})
	require.NoError(t, err)
	require.Equal(t, int64(5), resp)
}

func TestMiddlewareChainWrapsHandler(t *testing.T) {
	t.Parallel()
	p, w := openTestPool(t)
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	r := Open(p, w, Options{Middleware: []Middleware{mw("outer")}})
	defer r.Cleanup()

	require.NoError(t, r.Route("h", func(context.Context, any) (any, error) {
		order = append(order, "handler")
		return nil, nil
	}, mw("inner")))

	_, err := r.SendRequest(context.Background(), "h", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestSendRequestStreamRunsLocalStreamHandlerDirectly(t *testing.T) {
	t.Parallel()
	p, w := openTestPool(t)
	r := Open(p, w, Options{})
	defer r.Cleanup()

	require.NoError(t, r.RouteStream("counter", func(ctx context.Context, req any, ch *stream.Channel) error {
		for i := 1; i <= 3; i++ {
			// Space chunks out past the watcher's poll interval so each
			// is observed as its own change instead of being coalesced.
			time.Sleep(20 * time.Millisecond)
			if err := ch.Publish(ctx, i, 0); err != nil {
				return err
			}
		}
		return nil
	}))

	ch, closeCh, err := r.SendRequestStream(context.Background(), "counter", nil)
	require.NoError(t, err)
	defer closeCh()

	sub, cancel := ch.Subscribe()
	defer cancel()

	for want := 1; want <= 3; want++ {
		select {
		case d := <-sub.C():
			require.Equal(t, int64(want), d.Value)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for chunk %d", want)
		}
	}
}

func TestSendRequestStreamServedByRemoteRouter(t *testing.T) {
	t.Parallel()
	p, err := pool.OpenMemory(t.Name(), pool.DefaultCapacity)
	require.NoError(t, err)
	defer p.Cleanup()

	serverWatch := watch.New(p, watch.Options{Interval: 5 * time.Millisecond})
	defer serverWatch.Close()
	server := Open(p, serverWatch, Options{})
	defer server.Cleanup()
	require.NoError(t, server.RouteStream("ticks", func(ctx context.Context, req any, ch *stream.Channel) error {
		return ch.Publish(ctx, "tick", 0)
	}))

	clientWatch := watch.New(p, watch.Options{Interval: 5 * time.Millisecond})
	defer clientWatch.Close()
	client := Open(p, clientWatch, Options{CallTimeout: time.Second})
	defer client.Cleanup()

	ch, closeCh, err := client.SendRequestStream(context.Background(), "ticks", nil)
	require.NoError(t, err)
	defer closeCh()

	sub, cancel := ch.Subscribe()
	defer cancel()

	select {
	case d := <-sub.C():
		require.Equal(t, "tick", d.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for remote stream chunk")
	}
}

func TestHandlerErrorLeavesCallerWaitingUntilTimeout(t *testing.T) {
	t.Parallel()
	p, err := pool.OpenMemory(t.Name(), pool.DefaultCapacity)
	require.NoError(t, err)
	defer p.Cleanup()

	serverWatch := watch.New(p, watch.Options{Interval: 5 * time.Millisecond})
	defer serverWatch.Close()
	server := Open(p, serverWatch, Options{})
	defer server.Cleanup()
	require.NoError(t, server.Route("boom", func(context.Context, any) (any, error) {
		return nil, errors.New("boom")
	}))

	clientWatch := watch.New(p, watch.Options{Interval: 5 * time.Millisecond})
	defer clientWatch.Close()
	client := Open(p, clientWatch, Options{CallTimeout: 50 * time.Millisecond})
	defer client.Cleanup()

	_, err = client.SendRequest(context.Background(), "boom", nil)
	require.ErrorIs(t, err, ErrCallTimeout)
}

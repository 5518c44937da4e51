// Package room implements RoomSockets (spec.md §4.6): a thin
// multiplexer over stream.Channel with Connect/Subscribe/Send/
// Disconnect and no central membership registry — each room is just
// the stream key "room/<name>", and joining a room is exactly
// subscribing to its Channel, the same way the reference corpus's
// Stream treats a websocket connection's subscription as its only
// membership record.
package room

import (
	"context"
	"sync"

	"github.com/mvent-dev/mvent/pool"
	"github.com/mvent-dev/mvent/stream"
	"github.com/mvent-dev/mvent/watch"
)

// Options configures a Rooms multiplexer.
type Options struct {
	BufferSize int
}

// Rooms hosts zero or more named rooms over one pool. Each room's
// stream.Channel is created lazily on first Connect and torn down
// once its last connection disconnects.
type Rooms struct {
	pool    *pool.Pool
	watcher *watch.Watcher
	bufSize int

	mu    sync.Mutex
	rooms map[string]*roomEntry
}

type roomEntry struct {
	ch   *stream.Channel
	refs int
}

// Open binds a Rooms multiplexer to p, dispatching through w. As with
// handle.Open, w is shared across every component built over p rather
// than constructed per component (spec §5, one watcher per attached
// pool).
func Open(p *pool.Pool, w *watch.Watcher, opts Options) *Rooms {
	return &Rooms{
		pool:    p,
		watcher: w,
		bufSize: opts.BufferSize,
		rooms:   make(map[string]*roomEntry),
	}
}

func roomKey(name string) string { return "room/" + name }

// Conn is one connection to a room, returned by Connect.
type Conn struct {
	rooms  *Rooms
	name   string
	ch     *stream.Channel
	sub    *stream.Subscriber
	cancel func()

	once sync.Once
}

// Connect joins room name, returning a Conn used to Subscribe and
// Send on it (spec.md §4.6, "connect(room)").
func (r *Rooms) Connect(name string) (*Conn, error) {
	r.mu.Lock()
	entry, ok := r.rooms[name]
	if !ok {
		ch, err := stream.Open(r.watcher, r.pool, roomKey(name), stream.Options{BufferSize: r.bufSize})
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		entry = &roomEntry{ch: ch}
		r.rooms[name] = entry
	}
	entry.refs++
	ch := entry.ch
	r.mu.Unlock()

	sub, cancel := ch.Subscribe()
	return &Conn{rooms: r, name: name, ch: ch, sub: sub, cancel: cancel}, nil
}

// Subscribe registers cb to receive every delivery on this
// connection's room until Disconnect (spec.md §4.6, "subscribe(room,
// cb)"). It runs cb on a dedicated goroutine that exits when the
// connection's buffered channel is closed by Disconnect.
func (c *Conn) Subscribe(cb func(stream.Delivery)) {
	go func() {
		for d := range c.sub.C() {
			cb(d)
		}
	}()
}

// Send publishes msg to this connection's room (spec.md §4.6,
// "send(room, msg)"). Every connected subscriber, including others
// joined to the same room, observes it on their next delivery with
// the same durable Seq (stream.Channel.Publish).
func (c *Conn) Send(ctx context.Context, msg any) error {
	return c.ch.Publish(ctx, msg, 0)
}

// Disconnect leaves the room (spec.md §4.6, "disconnect(room)"),
// tearing down the room's Channel once its last connection leaves.
func (c *Conn) Disconnect() {
	c.once.Do(func() {
		c.cancel()

		c.rooms.mu.Lock()
		defer c.rooms.mu.Unlock()
		entry, ok := c.rooms.rooms[c.name]
		if !ok {
			return
		}
		entry.refs--
		if entry.refs <= 0 {
			entry.ch.Close()
			delete(c.rooms.rooms, c.name)
		}
	})
}

// Cleanup closes every remaining room Channel. It does not close the
// shared watcher; the owner of that does.
func (r *Rooms) Cleanup() {
	r.mu.Lock()
	for name, entry := range r.rooms {
		entry.ch.Close()
		delete(r.rooms, name)
	}
	r.mu.Unlock()
}

// Package mvent ties together SharedPool, EventWatcher, EventHandle,
// StreamChannel, RoomSockets, and HTTPRouter (spec.md §2-§4) behind
// one Open/Options surface, the same role ooo.Server plays for the
// teacher's storage/stream/filters/ui packages — a single struct
// literal wires the whole stack instead of forcing callers to thread
// a pool through five constructors by hand.
package mvent

import (
	"time"

	"github.com/benitogf/coat"

	"github.com/mvent-dev/mvent/handle"
	"github.com/mvent-dev/mvent/pool"
	"github.com/mvent-dev/mvent/room"
	"github.com/mvent-dev/mvent/router"
	"github.com/mvent-dev/mvent/watch"
)

// Options configures Open (spec.md §6's per-pool configuration
// table).
type Options struct {
	// Name identifies the pool; the only required field.
	Name string
	// Dir overrides the default backing directory (<tempdir>/mvent).
	Dir string
	// Capacity reserves bytes for a newly created pool file; ignored
	// when an existing file is opened.
	Capacity uint64
	// EncryptionKey, if set, enables the AEAD transformer for every
	// stored value.
	EncryptionKey []byte

	SweepInterval time.Duration
	PollInterval  time.Duration
	LockTimeout   time.Duration
	CallTimeout   time.Duration
	RequestTTL    time.Duration

	// InMemory bypasses the backing file entirely, for tests and
	// single-process use that never needs cross-process sharing.
	InMemory bool

	Console    *coat.Console
	ErrorSink  func(error)
	Middleware []router.Middleware
}

// Instance bundles one pool with every derived component (spec.md
// §2's data flow: application code goes through handle/stream/room/
// router, all bottoming out in the same pool).
type Instance struct {
	Pool    *pool.Pool
	Watcher *watch.Watcher
	Handle  *handle.Handle
	Rooms   *room.Rooms
	Router  *router.Router
}

// Open creates or attaches to a pool and wires every component over
// it (spec.md §6, "EXTERNAL INTERFACES").
func Open(opts Options) (*Instance, error) {
	var p *pool.Pool
	var err error
	if opts.InMemory {
		capacity := opts.Capacity
		if capacity == 0 {
			capacity = pool.DefaultCapacity
		}
		p, err = pool.OpenMemory(opts.Name, capacity)
	} else {
		p, err = pool.Open(pool.Options{
			Name:          opts.Name,
			Dir:           opts.Dir,
			Capacity:      opts.Capacity,
			EncryptionKey: opts.EncryptionKey,
			SweepInterval: opts.SweepInterval,
			LockTimeout:   opts.LockTimeout,
			Console:       opts.Console,
			ErrorSink:     opts.ErrorSink,
		})
	}
	if err != nil {
		return nil, err
	}

	// One watcher per attached pool (spec.md §5): handle, rooms, and
	// router all dispatch through it instead of each polling the pool
	// independently.
	w := watch.New(p, watch.Options{Interval: opts.PollInterval, Console: opts.Console})
	h := handle.Open(p, w, handle.Options{})
	rooms := room.Open(p, w, room.Options{})
	r := router.Open(p, w, router.Options{
		CallTimeout:  opts.CallTimeout,
		RequestTTL:   opts.RequestTTL,
		PollInterval: opts.PollInterval,
		Console:      opts.Console,
		Middleware:   opts.Middleware,
	})

	return &Instance{Pool: p, Watcher: w, Handle: h, Rooms: rooms, Router: r}, nil
}

// Cleanup stops every derived component and releases the pool's
// backing file mapping (spec.md §5, "cleanup() on any component is
// the cancellation primitive").
func (in *Instance) Cleanup() error {
	in.Router.Cleanup()
	in.Rooms.Cleanup()
	in.Handle.Cleanup()
	in.Watcher.Close()
	return in.Pool.Cleanup()
}

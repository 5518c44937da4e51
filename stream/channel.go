// Package stream implements StreamChannel (spec §3): a monotonic
// sequence pub/sub built on top of one pool key, derived from
// watch.Watcher the way the reference corpus's Stream.Broadcast is
// derived from a caller-announced change — except here the change
// notification comes from the poller rather than an explicit call.
//
// Delivery generalizes Stream.broadcastPool/patchPool: each
// subscriber gets its own bounded, coalescing queue (Stream instead
// fans out directly to live websocket connections), and a Channel may
// optionally diff successive JSON-shaped values with
// github.com/benitogf/jsonpatch the same way Stream.patchPool does,
// falling back to a full snapshot when the values aren't JSON-like or
// the patch isn't smaller than the value itself.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benitogf/jsonpatch"
	"github.com/goccy/go-json"

	"github.com/mvent-dev/mvent/pool"
	"github.com/mvent-dev/mvent/watch"
)

// DefaultBufferSize is how many undelivered values a Subscriber holds
// before Channel starts coalescing (spec §3, "backpressure via
// value-coalescing/drop").
const DefaultBufferSize = 16

// Delivery is one message handed to a Subscriber.
type Delivery struct {
	// Seq is the pool's own per-key version counter at the time of this
	// delivery (pool.Meta.Version), not a process-local count: every
	// subscriber, in any process, attaching at any time, observes the
	// same Seq for the same published value (spec §4.5, "publish reads
	// then increments a durable per-key seq"). A gap between the Seq a
	// subscriber last saw and the one in hand, larger than 1, means
	// deliveries were coalesced away under backpressure.
	Seq   uint64
	Value any
	// Patch holds jsonpatch operations against the previous delivery's
	// value when PatchMode produced one; Snapshot is true whenever
	// Value (not Patch) should be treated as the full current state.
	Patch    []byte
	Snapshot bool
	Tomb     bool
}

// Options configures a Channel.
type Options struct {
	BufferSize int
	PatchMode  bool
}

// Subscriber is one consumer of a Channel.
type Subscriber struct {
	ch  chan Delivery
	gap atomic.Uint64

	// mu serializes deliver against close: onEvent may still be
	// mid-delivery to a Subscriber that Close or a cancel func has
	// already dropped from Channel.subs, so closing the channel
	// without this lock would race a send on it.
	mu     sync.Mutex
	closed bool
}

// C returns the channel to receive Deliveries from.
func (s *Subscriber) C() <-chan Delivery { return s.ch }

// Gap reports how many Deliveries this subscriber has lost to
// backpressure coalescing since it subscribed (spec §3, "loss-gap
// indicator").
func (s *Subscriber) Gap() uint64 { return s.gap.Load() }

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Channel is a monotonic-sequence pub/sub view over one pool key.
type Channel struct {
	key       string
	pool      *pool.Pool
	patchMode bool
	bufSize   int
	cancel    func()

	mu        sync.Mutex
	seq       uint64
	lastValue any
	lastJSON  []byte
	hasLast   bool
	subs      map[uint64]*Subscriber
	nextSubID uint64
	closed    bool
}

// Open creates a Channel over key, subscribing through w (spec §3,
// "StreamChannel"). p is the same pool w polls; it backs Publish.
func Open(w *watch.Watcher, p *pool.Pool, key string, opts Options) (*Channel, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	c := &Channel{
		key:       key,
		pool:      p,
		patchMode: opts.PatchMode,
		bufSize:   opts.BufferSize,
		subs:      make(map[uint64]*Subscriber),
	}
	cancel, err := w.Subscribe(key, c.onEvent)
	if err != nil {
		return nil, err
	}
	c.cancel = cancel
	return c, nil
}

// Key returns the pool key this channel streams.
func (c *Channel) Key() string { return c.key }

// Publish writes value to the pool key this Channel streams (spec
// §4.5, "publish(channel, value)"). Every subscriber — in this
// process or another, reached through this Channel or a bare
// pool.Get on the key — observes the same durable seq once the
// watcher notices the change.
func (c *Channel) Publish(ctx context.Context, value any, ttl time.Duration) error {
	return c.pool.Set(ctx, c.key, value, ttl)
}

// Subscribe registers a new Subscriber. The returned cancel function
// removes it; it is safe to call more than once.
func (c *Channel) Subscribe() (*Subscriber, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &Subscriber{ch: make(chan Delivery, c.bufSize)}
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			sub.close()
		})
	}
	return sub, cancel
}

func (c *Channel) onEvent(ev watch.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !ev.Tomb {
		// ev.Meta.Version is the pool's own per-key version counter,
		// already cross-process comparable; a process-local counter
		// here would give two processes subscribed to the same key
		// different, incomparable Seq values for the same change.
		c.seq = ev.Meta.Version
	}
	d := Delivery{Seq: c.seq, Tomb: ev.Tomb}

	if ev.Tomb {
		// The tombstone frame itself carries its own version on the
		// pool side, but watch.Event doesn't surface it (Snapshot only
		// lists live keys); Seq stays at the last live version seen,
		// which every subscriber observed identically.
		d.Snapshot = true
		c.hasLast = false
		c.lastValue, c.lastJSON = nil, nil
	} else {
		d.Value = ev.Value
		d.Snapshot = true
		if c.patchMode && c.hasLast {
			if patch, ok := c.tryPatch(ev.Value); ok {
				d.Patch = patch
				d.Snapshot = false
			}
		}
		c.hasLast = true
		c.lastValue = ev.Value
	}

	subs := make([]*Subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		deliver(s, d)
	}
}

// tryPatch diffs the previous value against next as JSON, returning
// the encoded operations when that succeeds and is actually smaller
// than sending next outright — mirrors Stream.patchPool's "don't send
// operations if they exceed the data size" rule. Must be called while
// holding c.mu.
func (c *Channel) tryPatch(next any) ([]byte, bool) {
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return nil, false
	}
	if c.lastJSON == nil {
		prevJSON, err := json.Marshal(c.lastValue)
		if err != nil {
			c.lastJSON = nil
			return nil, false
		}
		c.lastJSON = prevJSON
	}
	ops, err := jsonpatch.CreatePatch(c.lastJSON, nextJSON)
	c.lastJSON = nextJSON
	if err != nil {
		return nil, false
	}
	encoded, err := json.Marshal(ops)
	if err != nil || len(encoded) >= len(nextJSON) {
		return nil, false
	}
	return encoded, true
}

// deliver sends d to s, coalescing (dropping the oldest buffered
// delivery and recording the loss) when s's buffer is full rather than
// blocking the dispatching goroutine. Holding s.mu for the duration
// means a concurrent close() either completes first (deliver then
// sees s.closed and returns) or waits for deliver to finish before
// closing the channel out from under it.
func deliver(s *Subscriber, d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- d:
			return
		default:
		}
		select {
		case <-s.ch:
			s.gap.Add(1)
		default:
		}
	}
}

// Close unsubscribes from the underlying watcher and closes every
// subscriber's channel.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	c.cancel()
	for _, s := range subs {
		s.close()
	}
}

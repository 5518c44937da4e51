// Package handle implements EventHandle (spec §3): a thin facade
// binding a pool.Pool and a watch.Watcher together behind an
// On/Emit/Cleanup surface, generalizing the reference corpus's
// Stream.Subscribe/Unsubscribe/OnSubscribe/OnUnsubscribe hooks to a
// SharedPool's poll-based change notification instead of a
// caller-announced broadcast.
package handle

import (
	"context"
	"sync"
	"time"

	"github.com/mvent-dev/mvent/pool"
	"github.com/mvent-dev/mvent/watch"
)

// Options configures a Handle.
type Options struct {
	// OnSubscribe, if set, is called before a new On registration takes
	// effect; returning an error rejects the subscription.
	OnSubscribe func(key string) error
	// OnUnsubscribe, if set, is called after a subscription is removed.
	OnUnsubscribe func(key string)
}

// Handle is an EventHandle bound to one pool.
type Handle struct {
	pool    *pool.Pool
	watcher *watch.Watcher
	opts    Options

	mu      sync.Mutex
	cancels map[uint64]func()
	nextID  uint64
}

// Open binds a Handle to p, dispatching through w. A process attaches
// at most one watch.Watcher per pool (spec §5's scheduling model), so
// callers share w across every component built over the same pool
// rather than each constructing their own. The caller remains
// responsible for both p's and w's lifecycle; Handle.Cleanup does not
// close either.
func Open(p *pool.Pool, w *watch.Watcher, opts Options) *Handle {
	return &Handle{pool: p, watcher: w, opts: opts, cancels: make(map[uint64]func())}
}

// On subscribes fn to changes on key (spec §3, "EventHandle.On"). The
// returned cancel function removes the subscription; Handle also
// tracks it so Cleanup can unsubscribe every still-owned callback
// without the caller having to keep its own list of cancels.
func (h *Handle) On(key string, fn func(watch.Event)) (cancel func(), err error) {
	if h.opts.OnSubscribe != nil {
		if err := h.opts.OnSubscribe(key); err != nil {
			return nil, err
		}
	}
	underlying, err := h.watcher.Subscribe(key, fn)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			underlying()
			h.mu.Lock()
			delete(h.cancels, id)
			h.mu.Unlock()
			if h.opts.OnUnsubscribe != nil {
				h.opts.OnUnsubscribe(key)
			}
		})
	}

	h.mu.Lock()
	h.cancels[id] = release
	h.mu.Unlock()
	return release, nil
}

// Emit stores value under key with an optional ttl, triggering the
// next poll cycle's delivery to On subscribers (spec §3,
// "EventHandle.Emit").
func (h *Handle) Emit(ctx context.Context, key string, value any, ttl time.Duration) error {
	return h.pool.Set(ctx, key, value, ttl)
}

// Cleanup unsubscribes every callback still registered through this
// Handle's On calls (spec §4.4, "cleanup() unsubscribes all owned
// callbacks"). It does not close the shared watcher or pool; the
// owner of those does.
func (h *Handle) Cleanup() {
	h.mu.Lock()
	owned := make([]func(), 0, len(h.cancels))
	for _, c := range h.cancels {
		owned = append(owned, c)
	}
	h.mu.Unlock()

	for _, cancel := range owned {
		cancel()
	}
}

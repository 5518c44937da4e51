// Package watch implements EventWatcher (spec §3): a poller that
// diffs successive pool.Pool.Snapshot calls to decide which
// subscribed keys changed, then hands each change to a dedicated
// dispatch worker so callback delivery is serialized per pool without
// blocking the poll loop itself.
//
// It generalizes the reference corpus's Stream.Broadcast path: where
// Stream is driven by a caller explicitly announcing a changed key,
// Watcher discovers changes itself by polling, since a SharedPool has
// no in-process notification of writes made by another process.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/benitogf/coat"

	"github.com/mvent-dev/mvent/pool"
)

// DefaultInterval is the poll period used when Options.Interval is
// unset (spec §4.1, "EventWatcher", default 50ms).
const DefaultInterval = 50 * time.Millisecond

// Event describes one observed change to a subscribed key.
type Event struct {
	Key   string
	Value any
	Meta  pool.Meta
	// Tomb is true when the key transitioned from live to absent,
	// whether by explicit delete, TTL expiry, or the watcher being
	// unable to re-fetch it before the next poll (spec §4.1,
	// "tombstone delivery").
	Tomb bool
}

// Options configures a Watcher.
type Options struct {
	Interval time.Duration
	Console  *coat.Console
}

type subscription struct {
	id  uint64
	key string
	fn  func(Event)
}

type dispatchJob struct {
	subs []*subscription
	ev   Event
}

// Watcher polls one pool for changes to its subscribed keys.
type Watcher struct {
	pool     *pool.Pool
	interval time.Duration
	console  *coat.Console

	mu       sync.Mutex
	subs     map[string][]*subscription
	baseline map[string]uint64 // last observed version per subscribed key; 0 means absent
	nextID   uint64
	stopped  bool

	queue  chan dispatchJob
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New starts a Watcher over p. Callers must call Close when done.
func New(p *pool.Pool, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Console == nil {
		opts.Console = coat.NewConsole("watch/"+p.Name(), false)
	}

	w := &Watcher{
		pool:     p,
		interval: opts.Interval,
		console:  opts.Console,
		subs:     make(map[string][]*subscription),
		baseline: make(map[string]uint64),
		queue:    make(chan dispatchJob, 64),
		stopCh:   make(chan struct{}),
	}

	w.wg.Add(2)
	go w.pollLoop()
	go w.dispatchLoop()
	return w
}

// Subscribe registers fn to be called whenever key changes. The first
// call it receives always reflects a change after Subscribe returns —
// an existing value at attach time is never replayed (spec §4.1,
// "first-attach non-replay semantics"). The returned cancel function
// removes the subscription; it is safe to call more than once.
func (w *Watcher) Subscribe(key string, fn func(Event)) (cancel func(), err error) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil, errWatcherStopped
	}
	if _, primed := w.baseline[key]; !primed {
		w.mu.Unlock()
		snap, err := w.pool.Snapshot(context.Background())
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		if _, primed := w.baseline[key]; !primed {
			w.baseline[key] = snap[key] // 0 if absent
		}
	}

	id := w.nextID
	w.nextID++
	sub := &subscription{id: id, key: key, fn: fn}
	w.subs[key] = append(w.subs[key], sub)
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { w.unsubscribe(key, id) })
	}, nil
}

func (w *Watcher) unsubscribe(key string, id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := w.subs[key]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(w.subs, key)
		// Drop the baseline too, so a later Subscribe re-primes it from
		// the pool instead of replaying changes made while unwatched.
		delete(w.baseline, key)
	} else {
		w.subs[key] = subs
	}
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

// pollOnce diffs one snapshot against the per-key baseline and queues
// a dispatch job per changed key. Changes between two polls collapse
// into a single event carrying the latest state (spec §4.1,
// "coalescing rapid changes between polls").
func (w *Watcher) pollOnce() {
	w.mu.Lock()
	if len(w.subs) == 0 {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()
	snap, err := w.pool.Snapshot(ctx)
	if err != nil {
		w.console.Err("watch: snapshot failed", err)
		return
	}

	type change struct {
		subs    []*subscription
		key     string
		version uint64
		tomb    bool
	}

	w.mu.Lock()
	var changes []change
	for key, subs := range w.subs {
		newVersion, live := snap[key]
		oldVersion := w.baseline[key]
		switch {
		case live && newVersion != oldVersion:
			w.baseline[key] = newVersion
			changes = append(changes, change{subs: append([]*subscription(nil), subs...), key: key, version: newVersion})
		case !live && oldVersion != 0:
			w.baseline[key] = 0
			changes = append(changes, change{subs: append([]*subscription(nil), subs...), key: key, tomb: true})
		}
	}
	w.mu.Unlock()

	for _, c := range changes {
		ev := Event{Key: c.key, Tomb: c.tomb}
		if !c.tomb {
			value, meta, err := w.pool.Get(ctx, c.key)
			if err != nil {
				w.console.Err("watch: get failed["+c.key+"]", err)
				continue
			}
			if meta == nil {
				// Expired or deleted between snapshot and get: still a
				// legitimate tombstone transition.
				ev.Tomb = true
			} else {
				ev.Value = value
				ev.Meta = *meta
			}
		}
		select {
		case w.queue <- dispatchJob{subs: c.subs, ev: ev}:
		case <-w.stopCh:
			return
		}
	}
}

// dispatchLoop is the single worker that delivers events for this
// pool, so dispatch order is serialized per pool even though the poll
// loop itself never blocks on slow callbacks (spec §4.1, "serialized
// (not necessarily per-key-ordered across keys) dispatch").
func (w *Watcher) dispatchLoop() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.queue:
			for _, sub := range job.subs {
				w.invoke(sub, job.ev)
			}
		case <-w.stopCh:
			// Drain whatever is already queued before exiting so a
			// Close racing with a just-queued job doesn't silently
			// drop it.
			for {
				select {
				case job := <-w.queue:
					for _, sub := range job.subs {
						w.invoke(sub, job.ev)
					}
				default:
					return
				}
			}
		}
	}
}

func (w *Watcher) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			w.console.Err("watch: subscriber panic["+sub.key+"]", r)
		}
	}()
	sub.fn(ev)
}

// Close stops the poll loop and dispatch worker.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stopCh)
	w.wg.Wait()
}

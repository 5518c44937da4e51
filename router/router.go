// Package router implements HTTPRouter (spec.md §4.7): an in-memory
// request/response rendezvous with no dedicated transport. A request
// that has a locally registered Handler is served in-process;
// otherwise it is published under a pool key and the caller blocks on
// the matching response key, the same cooperative-protocol-over-keys
// idea the reference corpus uses for its websocket broadcast, rebuilt
// here for bidirectional call/response instead of one-way fan-out.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benitogf/coat"
	"github.com/google/uuid"

	"github.com/mvent-dev/mvent/pool"
	"github.com/mvent-dev/mvent/stream"
	"github.com/mvent-dev/mvent/watch"
)

// DefaultCallTimeout and DefaultRequestTTL match spec.md §8's table.
const (
	DefaultCallTimeout = 5 * time.Second
	DefaultRequestTTL  = 30 * time.Second
	defaultPollStep    = 25 * time.Millisecond
)

// Handler answers one request.
type Handler func(ctx context.Context, req any) (any, error)

// Middleware wraps a Handler with a cross-cutting concern. Chains
// compose outer-first: a chain [a, b] calls a, which calls b, which
// calls the registered Handler.
type Middleware func(Handler) Handler

// StreamHandler answers a streaming request (spec.md §4.7, "streaming
// mode"): it is handed a fresh Channel already bound to the caller's
// response stream key and publishes zero or more deliveries onto it
// before returning. Returning does not close the Channel; the caller
// keeps receiving until it cancels its own subscription.
type StreamHandler func(ctx context.Context, req any, ch *stream.Channel) error

// Route is a registered local handler, stored in the path trie.
// Exactly one of Handler or StreamHandler is set, matching whether it
// was registered through Route or RouteStream.
type Route struct {
	Pattern       string
	Handler       Handler
	StreamHandler StreamHandler
}

// Options configures a Router.
type Options struct {
	CallTimeout  time.Duration
	RequestTTL   time.Duration
	PollInterval time.Duration
	Console      *coat.Console
	Middleware   []Middleware
}

// Router is an HTTPRouter bound to one pool.
type Router struct {
	pool    *pool.Pool
	watcher *watch.Watcher
	console *coat.Console

	callTimeout time.Duration
	requestTTL  time.Duration
	pollStep    time.Duration
	globalMW    []Middleware

	routes *trie

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open binds a Router to p, dispatching remote-response waits through
// w (shared across every component built over p, per spec §5's one-
// watcher-per-pool scheduling model) and running its own background
// dispatch loop that scans for incoming requests addressed to locally
// registered routes.
func Open(p *pool.Pool, w *watch.Watcher, opts Options) *Router {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = DefaultRequestTTL
	}
	console := opts.Console
	if console == nil {
		console = coat.NewConsole("router", false)
	}

	r := &Router{
		pool:        p,
		watcher:     w,
		console:     console,
		callTimeout: opts.CallTimeout,
		requestTTL:  opts.RequestTTL,
		pollStep:    defaultPollStep,
		globalMW:    opts.Middleware,
		routes:      newTrie(),
		seen:        make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = watch.DefaultInterval
	}
	r.wg.Add(1)
	go r.dispatchLoop(interval)
	return r
}

// Route registers handler for pattern (spec.md §4.7, "route(path)").
// pattern segments equal to "*" match any single path segment of an
// incoming request. mw, if given, wraps handler inside the
// router-wide middleware chain configured at Open, so the router-wide
// chain runs first and mw runs next, just before handler.
func (r *Router) Route(pattern string, handler Handler, mw ...Middleware) error {
	if pattern == "" {
		return errPathRequired
	}
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	for i := len(r.globalMW) - 1; i >= 0; i-- {
		handler = r.globalMW[i](handler)
	}
	r.routes.insert(pattern, &Route{Pattern: pattern, Handler: handler})
	return nil
}

// RouteStream registers a streaming handler for pattern (spec.md
// §4.7, "streaming mode"): a request to pattern, served either
// locally or by this process's dispatch loop on behalf of a remote
// caller, is answered by publishing successive chunks onto a Channel
// rather than a single response value.
func (r *Router) RouteStream(pattern string, handler StreamHandler) error {
	if pattern == "" {
		return errPathRequired
	}
	r.routes.insert(pattern, &Route{Pattern: pattern, StreamHandler: handler})
	return nil
}

// Unroute removes a previously registered pattern.
func (r *Router) Unroute(pattern string) bool {
	return r.routes.remove(pattern)
}

func requestKey(path, callID string) string  { return "req/" + path + "/" + callID }
func responseKey(path, callID string) string { return "resp/" + path + "/" + callID }

// SendRequest resolves path against locally registered routes first;
// if one matches, it is invoked directly and returns synchronously
// with no pool traffic. Otherwise the request is published under
// req/<path>/<uuid> with TTL requestTTL and the caller blocks up to
// callTimeout for a remote handler's response (spec.md §4.7).
func (r *Router) SendRequest(ctx context.Context, path string, data any) (any, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRouterStopped
	}

	if route, ok := r.routes.match(path); ok && route.Handler != nil {
		return route.Handler(ctx, data)
	}

	callID := uuid.NewString()
	reqKey := requestKey(path, callID)
	respKey := responseKey(path, callID)

	result := make(chan watch.Event, 1)
	cancel, err := r.watcher.Subscribe(respKey, func(ev watch.Event) {
		select {
		case result <- ev:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer cancel()

	if err := r.pool.Set(ctx, reqKey, data, r.requestTTL); err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.callTimeout)
	defer timer.Stop()
	select {
	case ev := <-result:
		if ev.Tomb {
			return nil, ErrCallTimeout
		}
		_, _ = r.pool.Delete(ctx, respKey)
		return ev.Value, nil
	case <-timer.C:
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendRequestStream behaves like SendRequest but for handlers that
// emit more than one response: a local route registered with
// RouteStream runs directly against the returned Channel, and
// otherwise the request is published for a remote router's dispatch
// loop to pick up and serve the same way (spec.md §4.7, "streaming
// mode"). Either way the caller's Channel delivers the chunks
// published on resp/<path>/<uuid>/stream in publish order; chunks
// published within one watcher poll interval coalesce, and only the
// latest of them is delivered.
func (r *Router) SendRequestStream(ctx context.Context, path string, data any) (*stream.Channel, func(), error) {
	callID := uuid.NewString()
	reqKey := requestKey(path, callID)
	streamKey := responseKey(path, callID) + "/stream"

	ch, err := stream.Open(r.watcher, r.pool, streamKey, stream.Options{})
	if err != nil {
		return nil, nil, err
	}

	if route, ok := r.routes.match(path); ok && route.StreamHandler != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			hctx, cancel := context.WithTimeout(context.Background(), r.requestTTL)
			defer cancel()
			if err := route.StreamHandler(hctx, data, ch); err != nil {
				r.console.Err(fmt.Errorf("router: stream handler for %q: %w", path, err))
			}
		}()
		return ch, ch.Close, nil
	}

	if err := r.pool.Set(ctx, reqKey, data, r.requestTTL); err != nil {
		ch.Close()
		return nil, nil, err
	}
	return ch, ch.Close, nil
}

// Cleanup stops the dispatch loop. It does not close the shared
// watcher or pool; the owner of those does.
func (r *Router) Cleanup() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
}

func (r *Router) dispatchLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.pollOnce()
		}
	}
}

// pollOnce scans the pool's live key snapshot for req/ entries whose
// path matches a locally registered route and claims them: a claim is
// a successful Delete, so of every process racing to serve the same
// request, exactly one proceeds and the rest silently skip it.
func (r *Router) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()

	snap, err := r.pool.Snapshot(ctx)
	if err != nil {
		r.console.Err(fmt.Errorf("router: snapshot: %w", err))
		return
	}

	for key := range snap {
		path, callID, ok := parseRequestKey(key)
		if !ok {
			continue
		}
		route, ok := r.routes.match(path)
		if !ok {
			continue
		}
		r.mu.Lock()
		_, already := r.seen[key]
		r.mu.Unlock()
		if already {
			continue
		}

		value, meta, err := r.pool.Get(ctx, key)
		if err != nil || meta == nil {
			continue
		}
		existed, err := r.pool.Delete(ctx, key)
		if err != nil || !existed {
			continue
		}

		r.mu.Lock()
		r.seen[key] = struct{}{}
		r.mu.Unlock()
		if route.StreamHandler != nil {
			go r.serveStream(route, path, callID, value)
		} else {
			go r.serve(route, path, callID, value)
		}
	}

	r.forgetStale(snap)
}

func (r *Router) serve(route *Route, path, callID string, req any) {
	ctx, cancel := context.WithTimeout(context.Background(), r.callTimeout)
	defer cancel()

	resp, err := route.Handler(ctx, req)
	if err != nil {
		r.console.Err(fmt.Errorf("router: handler for %q: %w", path, err))
		return
	}
	if err := r.pool.Set(ctx, responseKey(path, callID), resp, r.requestTTL); err != nil {
		r.console.Err(fmt.Errorf("router: publish response for %q: %w", path, err))
	}
}

// serveStream runs a claimed streaming request's handler against a
// Channel bound to this call's response stream key, for a remote
// caller's SendRequestStream to subscribe to.
func (r *Router) serveStream(route *Route, path, callID string, req any) {
	ctx, cancel := context.WithTimeout(context.Background(), r.requestTTL)
	defer cancel()

	streamKey := responseKey(path, callID) + "/stream"
	ch, err := stream.Open(r.watcher, r.pool, streamKey, stream.Options{})
	if err != nil {
		r.console.Err(fmt.Errorf("router: open response stream for %q: %w", path, err))
		return
	}
	defer ch.Close()

	if err := route.StreamHandler(ctx, req, ch); err != nil {
		r.console.Err(fmt.Errorf("router: stream handler for %q: %w", path, err))
	}
}

// forgetStale drops seen entries whose req/ key is no longer present
// in the pool (served, expired, or compacted away), bounding seen's
// growth without needing its own TTL bookkeeping.
func (r *Router) forgetStale(snap map[string]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.seen {
		if _, live := snap[key]; !live {
			delete(r.seen, key)
		}
	}
}

func parseRequestKey(key string) (path, callID string, ok bool) {
	const prefix = "req/"
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

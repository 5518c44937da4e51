package router

import "errors"

var (
	// ErrCallTimeout is returned by SendRequest when no local handler
	// exists and no remote responder answered within call_timeout.
	ErrCallTimeout = errors.New("router: call timeout")
	// ErrRouterStopped is returned by SendRequest once Cleanup has run.
	// SendRequestStream, Route and RouteStream do not check for it.
	ErrRouterStopped = errors.New("router: stopped")
	errPathRequired  = errors.New("router: path is required")
)

package watch

import "errors"

var errWatcherStopped = errors.New("watch: watcher stopped")

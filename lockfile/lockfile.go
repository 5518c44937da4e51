// Package lockfile implements the cross-process advisory lock used to
// linearize pool mutations (spec §4.2). It wraps the OS whole-file
// advisory lock primitive (flock(2) via golang.org/x/sys/unix), the
// same mechanism the reference corpus's slotcache example uses for
// cross-process writer coordination, generalized here to support a
// configurable acquisition timeout instead of slotcache's
// non-blocking-only TryLock.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Lock when the timeout elapses before the
// lock is acquired (spec §7, LockTimeout).
var ErrTimeout = errors.New("lockfile: timed out acquiring lock")

// pollInterval bounds how often a blocked Lock retries flock while a
// timeout is in effect. flock itself has no timeout parameter, so a
// bounded wait is implemented as non-blocking attempts on a ticker.
const pollInterval = 2 * time.Millisecond

// Lock is an advisory exclusive lock over a single backing file.
type Lock struct {
	file *os.File
}

// Open opens (creating if absent) the file at path for locking. It
// does not acquire the lock.
func Open(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Close releases the lock, if held, and closes the underlying file
// descriptor.
func (l *Lock) Close() error {
	_ = l.unlockNoErr()
	return l.file.Close()
}

// Acquire blocks until the exclusive lock is obtained, ctx is done, or
// timeout (if > 0) elapses, whichever comes first. timeout <= 0 means
// wait indefinitely (spec §4.2 default: unbounded).
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	fd := int(l.file.Fd())

	if timeout <= 0 {
		// Unbounded: a single blocking flock call, still cancellable
		// via ctx by racing it against a goroutine that closes a dup'd
		// descriptor is not portable; instead poll so ctx.Done() is
		// honored even in the "unbounded" case.
		for {
			if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err == nil {
				return nil
			} else if !errors.Is(err, unix.EWOULDBLOCK) {
				return fmt.Errorf("lockfile: flock: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err == nil {
			return nil
		} else if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("lockfile: flock: %w", err)
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (l *Lock) unlockNoErr() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}

// Release unlocks the file. Safe to call even if the lock was not
// held.
func (l *Lock) Release() error {
	if err := l.unlockNoErr(); err != nil {
		return fmt.Errorf("lockfile: unlock: %w", err)
	}
	return nil
}

// With acquires the lock, runs op, and releases the lock on every exit
// path including a panic inside op (spec §4.2, WithLock).
func (l *Lock) With(ctx context.Context, timeout time.Duration, op func() error) error {
	if err := l.Acquire(ctx, timeout); err != nil {
		return err
	}
	defer l.Release()
	return op()
}

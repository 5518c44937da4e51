package pool

import (
	"context"
	"time"
)

// backing is the storage substrate a Pool operates over: a fixed-size
// byte region addressable at offset 0 (the frame.Header) through the
// end of its capacity, plus an exclusive-access primitive scoped the
// same way spec §4.2's WithLock is. It generalizes the two-tier idea
// the reference corpus's storage.Layer draws (storage.MemoryLayer vs
// storage.EmbeddedWrapper): mmapBacking is the real, cross-process
// substrate; memBacking is an in-process stand-in used by tests and by
// OpenMemory for callers that only need single-process semantics.
type backing interface {
	// Bytes returns the full capacity-length region. Callers must only
	// read or write it while holding a lock acquired via Lock.
	Bytes() []byte

	// Lock acquires exclusive access for the duration of fn and
	// releases it (even on panic) before returning. It generalizes
	// lockfile.Lock.With to also cover memBacking's in-process mutex.
	Lock(ctx context.Context, timeout time.Duration, fn func() error) error

	// Sync flushes any buffered state to the backing medium. A no-op
	// for memBacking.
	Sync() error

	// Close releases the backing's resources (unmaps and closes the
	// file for mmapBacking; a no-op for memBacking).
	Close() error
}

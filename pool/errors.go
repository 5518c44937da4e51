package pool

import "errors"

// Pool errors (spec §7).
var (
	// ErrFull is returned by Set when the encoded record does not fit
	// in remaining capacity even after a compaction attempt. The pool
	// is left unchanged.
	ErrFull = errors.New("pool: full")

	// ErrBackingIO wraps any failure to create, map, read, or write
	// the backing file.
	ErrBackingIO = errors.New("pool: backing io error")

	// ErrStopped is returned by any operation on a pool that has
	// already been Cleanup'd.
	ErrStopped = errors.New("pool: stopped")

	// ErrDecode wraps a value codec decode failure on Get.
	ErrDecode = errors.New("pool: decode error")

	// ErrEncode wraps a value codec encode failure on Set.
	ErrEncode = errors.New("pool: encode error")

	// ErrDecrypt wraps an authenticated decryption failure on Get.
	ErrDecrypt = errors.New("pool: decrypt error")

	// ErrLockTimeout is returned when the backing lock is not acquired
	// before the configured timeout elapses (spec §7, LockTimeout).
	ErrLockTimeout = errors.New("pool: lock timeout")

	errNameRequired = errors.New("pool: name is required")
)

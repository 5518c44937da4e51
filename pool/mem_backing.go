package pool

import (
	"context"
	"time"

	"github.com/mvent-dev/mvent/frame"
)

// memBacking stands in for mmapBacking in single-process use (tests,
// and OpenMemory for callers that want pool semantics without a real
// file — e.g. an embedded cache with no cross-process readers). A
// buffered semaphore channel plays the role flock plays for
// mmapBacking: acquiring it blocks concurrent same-process callers the
// same way flock blocks concurrent open file descriptions.
type memBacking struct {
	data []byte
	sem  chan struct{}
}

func openMemBacking(capacity uint64) *memBacking {
	b := &memBacking{data: make([]byte, capacity), sem: make(chan struct{}, 1)}
	hdr := frame.Header{Capacity: capacity, WriteCursor: frame.HeaderSize, EntryCount: 0, Generation: 0}
	copy(b.data[:frame.HeaderSize], frame.EncodeHeader(hdr))
	return b
}

func (b *memBacking) Bytes() []byte { return b.data }

func (b *memBacking) Lock(ctx context.Context, timeout time.Duration, fn func() error) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return ErrLockTimeout
	}
	defer func() { <-b.sem }()
	return fn()
}

func (b *memBacking) Sync() error { return nil }
func (b *memBacking) Close() error { return nil }

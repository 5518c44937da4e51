package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mvent-dev/mvent/frame"
	"github.com/mvent-dev/mvent/lockfile"
)

// mmapBacking memory-maps a pool's backing file (spec §4.1, "shared
// memory region") and locks it for mutation via golang.org/x/sys/unix
// flock, the same primitive lockfile wraps. Each Lock call opens a
// fresh descriptor on path so that concurrent same-process callers
// contend on flock exactly like cross-process ones do — flock blocks
// across distinct open file descriptions even within one process, so
// no additional in-process mutex is needed around the mapping itself
// (spec §4.2's resource policy).
type mmapBacking struct {
	path string
	file *os.File
	data []byte
}

// openMmapBacking opens or creates path, sizing a new file to
// requestedCapacity and mapping it MAP_SHARED so every process mapping
// the same path observes the same bytes (spec §3, "SharedPool").
func openMmapBacking(path string, requestedCapacity uint64) (*mmapBacking, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrBackingIO, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrBackingIO, path, err)
	}

	capacity := requestedCapacity
	creating := info.Size() == 0
	if !creating {
		hdrBuf := make([]byte, frame.HeaderSize)
		if _, err := f.ReadAt(hdrBuf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: read header %s: %v", ErrBackingIO, path, err)
		}
		hdr, err := frame.DecodeHeader(hdrBuf)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: decode header %s: %v", ErrBackingIO, path, err)
		}
		capacity = hdr.Capacity
	}

	if info.Size() != int64(capacity) {
		if err := f.Truncate(int64(capacity)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: truncate %s: %v", ErrBackingIO, path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrBackingIO, path, err)
	}

	b := &mmapBacking{path: path, file: f, data: data}

	if creating {
		hdr := frame.Header{Capacity: capacity, WriteCursor: frame.HeaderSize, EntryCount: 0, Generation: 0}
		copy(b.data[:frame.HeaderSize], frame.EncodeHeader(hdr))
	}
	return b, nil
}

func (b *mmapBacking) Bytes() []byte { return b.data }

func (b *mmapBacking) Lock(ctx context.Context, timeout time.Duration, fn func() error) error {
	l, err := lockfile.Open(b.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackingIO, err)
	}
	defer l.Close()
	if err := l.With(ctx, timeout, fn); err != nil {
		if errors.Is(err, lockfile.ErrTimeout) {
			return ErrLockTimeout
		}
		return err
	}
	return nil
}

func (b *mmapBacking) Sync() error {
	if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync %s: %v", ErrBackingIO, b.path, err)
	}
	return nil
}

func (b *mmapBacking) Close() error {
	err := unix.Munmap(b.data)
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrBackingIO, b.path, err)
	}
	return nil
}

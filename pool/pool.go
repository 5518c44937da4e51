// Package pool implements SharedPool (spec §3): a fixed-capacity,
// memory-mapped key/value log shared by every process that opens the
// same backing file. Writers append tagged frames (frame.Record);
// reads are served from an in-process index rebuilt incrementally from
// the frames appended since this process last looked, so the common
// case costs a flock round trip plus a small delta scan rather than a
// full rescan of the log (spec §4.1, "Mutations are O(n) ... in the
// worst case due to compaction" implies the non-worst case is not).
//
// It generalizes the two-tier storage idea the reference corpus's
// storage.Layer draws (storage.MemoryLayer vs storage.EmbeddedWrapper)
// into the backing interface: mmapBacking is the real substrate,
// memBacking a single-process stand-in for tests and OpenMemory.
package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mvent-dev/mvent/codec"
	"github.com/mvent-dev/mvent/cryptobox"
	"github.com/mvent-dev/mvent/frame"
	"github.com/mvent-dev/mvent/monotonic"
)

func init() { monotonic.Init() }

// compactionDensityThreshold is the tombstone-to-frame ratio that
// triggers a proactive compaction even when free space is sufficient
// (spec §4.1, "Compaction").
const compactionDensityThreshold = 0.5

// Meta describes an entry's bookkeeping fields, returned alongside its
// value by GetWithMeta (spec §3, "Entry").
type Meta struct {
	Created time.Time
	TTL     time.Duration // 0 means no TTL
	Version uint64
}

// Stats reports pool-wide counters (spec §5, "stats").
type Stats struct {
	EntryCount    int
	BytesUsed     uint64
	BytesFree     uint64
	Generation    uint64
	ExpiredSwept  uint64
	Compactions   uint64
}

type indexEntry struct {
	rec frame.Record
}

// Pool is a handle on one shared memory-mapped key/value log.
type Pool struct {
	name string
	path string
	b    backing
	box  *cryptobox.Box

	lockTimeout time.Duration
	errorSink   func(error)

	// index mirrors the log's current live keys. Every access happens
	// inside a backing.Lock critical section (see refreshLocked), so
	// it needs no mutex of its own beyond that serialization.
	index         map[string]indexEntry
	lastCursor    uint64
	lastGen       uint64
	tombCount     uint64
	frameCount    uint64
	expiredSwept  uint64
	compactions   uint64

	stopSweep chan struct{}
	sweepDone chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open creates or attaches to a shared pool (spec §6, "Open").
func Open(opts Options) (*Pool, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	var box *cryptobox.Box
	if len(opts.EncryptionKey) > 0 {
		box, err = cryptobox.New(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("pool: %w", err)
		}
	}

	var b backing
	path := ""
	if opts.inMemory {
		b = openMemBacking(opts.Capacity)
	} else {
		path = opts.path()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: mkdir: %v", ErrBackingIO, err)
		}
		mb, err := openMmapBacking(path, opts.Capacity)
		if err != nil {
			return nil, err
		}
		b = mb
	}

	p := &Pool{
		name:        opts.Name,
		path:        path,
		b:           b,
		box:         box,
		lockTimeout: opts.LockTimeout,
		errorSink:   opts.ErrorSink,
		index:       make(map[string]indexEntry),
		lastCursor:  frame.HeaderSize,
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}

	p.startSweeper(opts.SweepInterval)
	return p, nil
}

// OpenMemory opens a pool backed by process memory instead of a file,
// for tests and single-process callers with no cross-process readers.
func OpenMemory(name string, capacity uint64) (*Pool, error) {
	return Open(Options{Name: name, Capacity: capacity, inMemory: true})
}

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// Path returns the backing file path, or "" for an in-memory pool.
func (p *Pool) Path() string { return p.path }

func (p *Pool) withLock(ctx context.Context, fn func() error) error {
	if p.closed.Load() {
		return ErrStopped
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return p.b.Lock(ctx, p.lockTimeout, fn)
}

// refreshLocked brings p.index up to date with the current header. It
// must only be called while holding p.b's lock.
func (p *Pool) refreshLocked(data []byte) (frame.Header, error) {
	hdr, err := frame.DecodeHeader(data[:frame.HeaderSize])
	if err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrBackingIO, err)
	}

	applyFrame := func(_ int, r frame.Record) error {
		switch r.Type {
		case frame.Live:
			// frame.Decode's Value aliases data itself; index entries
			// must own their bytes, since compactLocked and Clear
			// rewrite data in place without bumping p.lastCursor past
			// what refreshLocked already considers scanned, so a cached
			// alias would silently start reading whatever now occupies
			// its old offset.
			r.Value = append([]byte(nil), r.Value...)
			p.index[r.Key] = indexEntry{rec: r}
		case frame.Tomb:
			delete(p.index, r.Key)
		}
		p.frameCount++
		if r.Type == frame.Tomb {
			p.tombCount++
		}
		return nil
	}

	switch {
	case hdr.Generation != p.lastGen:
		p.index = make(map[string]indexEntry, hdr.EntryCount)
		p.frameCount, p.tombCount = 0, 0
		if err := frame.Scan(data[frame.HeaderSize:hdr.WriteCursor], applyFrame); err != nil {
			return hdr, fmt.Errorf("%w: %v", ErrBackingIO, err)
		}
		p.lastGen = hdr.Generation
		p.lastCursor = hdr.WriteCursor
	case hdr.WriteCursor > p.lastCursor:
		if err := frame.Scan(data[p.lastCursor:hdr.WriteCursor], applyFrame); err != nil {
			return hdr, fmt.Errorf("%w: %v", ErrBackingIO, err)
		}
		p.lastCursor = hdr.WriteCursor
	}
	return hdr, nil
}

func isLive(r frame.Record, now int64) bool {
	return r.TTLNs <= 0 || now-r.CreatedNs < r.TTLNs
}

// writeHeaderLocked re-encodes hdr into data[:HeaderSize].
func writeHeaderLocked(data []byte, hdr frame.Header) {
	copy(data[:frame.HeaderSize], frame.EncodeHeader(hdr))
}

// appendLocked appends rec's encoding at hdr.WriteCursor, growing the
// write cursor, compacting first if needed. If rec still does not fit
// after a triggered compaction, it returns ErrFull, but the
// compaction itself (and its header update) is already committed —
// only rec's own append is rolled back, not the compaction.
func (p *Pool) appendLocked(data []byte, hdr *frame.Header, rec frame.Record) error {
	size := uint64(frame.Size(rec))

	density := 0.0
	if p.frameCount > 0 {
		density = float64(p.tombCount) / float64(p.frameCount)
	}
	if hdr.WriteCursor+size > hdr.Capacity || density > compactionDensityThreshold {
		// Compaction only reclaims space freed by tombstones and
		// superseded frames; it never changes any live value, so
		// committing it even when the record still doesn't fit
		// afterward does not violate Full's "pool state unchanged"
		// guarantee for existing entries. But compactLocked writes the
		// rewritten frames straight into the shared mmap'd region and
		// advances p.lastGen/p.lastCursor in place, so the on-disk
		// header must be persisted right away too — otherwise a
		// subsequent ErrFull return here would leave the header's
		// Generation/WriteCursor stale, and the next refreshLocked
		// would rescan using the old (larger) WriteCursor against data
		// that was already compacted and zero-padded.
		if _, ok := p.compactLocked(data, hdr); !ok {
			return ErrFull
		}
		writeHeaderLocked(data, *hdr)
		if err := p.b.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackingIO, err)
		}
	}

	if hdr.WriteCursor+size > hdr.Capacity {
		return ErrFull
	}

	copy(data[hdr.WriteCursor:], frame.Encode(rec))
	hdr.WriteCursor += size
	p.frameCount++
	if rec.Type == frame.Tomb {
		p.tombCount++
		delete(p.index, rec.Key)
	} else {
		p.index[rec.Key] = indexEntry{rec: rec}
	}
	return nil
}

// compactLocked rewrites the log from p.index (the set of currently
// live keys), dropping every tombstone and superseded frame (spec
// §4.1, "Compaction rewrites the log keeping only the latest live
// frame per key"). It reports the new write cursor and whether the
// rewrite fit in hdr.Capacity; on success it commits hdr and data.
func (p *Pool) compactLocked(data []byte, hdr *frame.Header) (uint64, bool) {
	cursor := uint64(frame.HeaderSize)
	type encoded struct {
		bytes []byte
	}
	rewritten := make([]encoded, 0, len(p.index))
	for _, e := range p.index {
		b := frame.Encode(e.rec)
		cursor += uint64(len(b))
		rewritten = append(rewritten, encoded{bytes: b})
	}
	if cursor > hdr.Capacity {
		return 0, false
	}

	off := frame.HeaderSize
	for _, e := range rewritten {
		copy(data[off:], e.bytes)
		off += len(e.bytes)
	}
	for i := off; i < int(hdr.WriteCursor); i++ {
		data[i] = 0
	}

	hdr.WriteCursor = cursor
	hdr.Generation++
	hdr.EntryCount = uint32(len(p.index))
	p.lastGen = hdr.Generation
	p.lastCursor = cursor
	p.tombCount = 0
	p.frameCount = uint64(len(p.index))
	p.compactions++
	return cursor, true
}

// Set stores value under key with an optional ttl (0 means no
// expiry), encoding it through the codec and, if configured, the
// encryption transformer (spec §5, "set").
func (p *Pool) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	encoded, err := codec.Encode(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if p.box != nil {
		encoded, err = p.box.Seal(encoded)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEncode, err)
		}
	}

	now := monotonic.Now()
	return p.withLock(ctx, func() error {
		data := p.b.Bytes()
		hdr, err := p.refreshLocked(data)
		if err != nil {
			return err
		}

		var version uint64 = 1
		if existing, ok := p.index[key]; ok {
			version = existing.rec.Version + 1
		}

		rec := frame.Record{
			Type:      frame.Live,
			Key:       key,
			Value:     encoded,
			CreatedNs: now,
			TTLNs:     int64(ttl),
			Version:   version,
		}
		if err := p.appendLocked(data, &hdr, rec); err != nil {
			return err
		}
		writeHeaderLocked(data, hdr)
		return p.b.Sync()
	})
}

// Get returns the decoded value for key, or (nil, nil, nil) if the key
// is absent or has expired (spec §5, "get"). Decryption and decoding
// happen after the backing lock is released; only the raw bytes are
// copied while holding it.
func (p *Pool) Get(ctx context.Context, key string) (any, *Meta, error) {
	raw, meta, err := p.getRaw(ctx, key)
	if err != nil || raw == nil {
		return nil, nil, err
	}

	if p.box != nil {
		raw, err = p.box.Open(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
	}
	value, err := codec.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return value, meta, nil
}

func (p *Pool) getRaw(ctx context.Context, key string) ([]byte, *Meta, error) {
	var raw []byte
	var meta *Meta

	err := p.withLock(ctx, func() error {
		data := p.b.Bytes()
		if _, err := p.refreshLocked(data); err != nil {
			return err
		}
		entry, ok := p.index[key]
		if !ok {
			return nil
		}
		now := monotonic.Now()
		if !isLive(entry.rec, now) {
			return nil
		}
		raw = append([]byte(nil), entry.rec.Value...)
		meta = &Meta{
			Created: time.Unix(0, entry.rec.CreatedNs),
			TTL:     time.Duration(entry.rec.TTLNs),
			Version: entry.rec.Version,
		}
		return nil
	})
	return raw, meta, err
}

// Delete removes key, reporting whether it was present and live (spec
// §5, "delete").
func (p *Pool) Delete(ctx context.Context, key string) (bool, error) {
	var existed bool
	now := monotonic.Now()
	err := p.withLock(ctx, func() error {
		data := p.b.Bytes()
		hdr, err := p.refreshLocked(data)
		if err != nil {
			return err
		}
		entry, ok := p.index[key]
		if !ok {
			return nil
		}
		existed = isLive(entry.rec, now)

		rec := frame.Record{
			Type:      frame.Tomb,
			Key:       key,
			CreatedNs: now,
			Version:   entry.rec.Version + 1,
		}
		if err := p.appendLocked(data, &hdr, rec); err != nil {
			return err
		}
		writeHeaderLocked(data, hdr)
		return p.b.Sync()
	})
	return existed, err
}

// Clear removes every entry (spec §5, "clear").
func (p *Pool) Clear(ctx context.Context) error {
	return p.withLock(ctx, func() error {
		data := p.b.Bytes()
		hdr, err := p.refreshLocked(data)
		if err != nil {
			return err
		}
		for i := frame.HeaderSize; i < int(hdr.WriteCursor); i++ {
			data[i] = 0
		}
		hdr.WriteCursor = frame.HeaderSize
		hdr.EntryCount = 0
		hdr.Generation++
		p.index = make(map[string]indexEntry)
		p.lastGen = hdr.Generation
		p.lastCursor = hdr.WriteCursor
		p.tombCount, p.frameCount = 0, 0
		writeHeaderLocked(data, hdr)
		return p.b.Sync()
	})
}

// Snapshot returns the version of every key currently live, for use by
// EventWatcher's poll-diff loop (spec §4.1, "EventWatcher polls
// Snapshot"). A key's absence from two consecutive snapshots after
// being present in the first is exactly the tombstone signal the
// watcher needs, whether the entry was deleted or simply expired.
func (p *Pool) Snapshot(ctx context.Context) (map[string]uint64, error) {
	out := map[string]uint64{}
	err := p.withLock(ctx, func() error {
		data := p.b.Bytes()
		if _, err := p.refreshLocked(data); err != nil {
			return err
		}
		now := monotonic.Now()
		for k, e := range p.index {
			if isLive(e.rec, now) {
				out[k] = e.rec.Version
			}
		}
		return nil
	})
	return out, err
}

// Stats reports pool-wide counters (spec §5, "stats").
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.withLock(ctx, func() error {
		data := p.b.Bytes()
		hdr, err := p.refreshLocked(data)
		if err != nil {
			return err
		}
		now := monotonic.Now()
		live := 0
		for _, e := range p.index {
			if isLive(e.rec, now) {
				live++
			}
		}
		s = Stats{
			EntryCount:   live,
			BytesUsed:    hdr.WriteCursor - frame.HeaderSize,
			BytesFree:    hdr.Capacity - hdr.WriteCursor,
			Generation:   hdr.Generation,
			ExpiredSwept: p.expiredSwept,
			Compactions:  p.compactions,
		}
		return nil
	})
	return s, err
}

func (p *Pool) startSweeper(interval time.Duration) {
	go func() {
		defer close(p.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopSweep:
				return
			case <-ticker.C:
				p.sweepOnce()
			}
		}
	}()
}

// sweepOnce converts every expired live frame to a tombstone. Lock or
// backing errors are handed to ErrorSink (if set) and retried at the
// next tick rather than propagated; they are not logged, and with no
// ErrorSink they are dropped.
func (p *Pool) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.withLock(ctx, func() error {
		data := p.b.Bytes()
		hdr, err := p.refreshLocked(data)
		if err != nil {
			return err
		}
		now := monotonic.Now()
		var expired []string
		for k, e := range p.index {
			if !isLive(e.rec, now) {
				expired = append(expired, k)
			}
		}
		if len(expired) == 0 {
			return nil
		}
		for _, k := range expired {
			entry := p.index[k]
			rec := frame.Record{Type: frame.Tomb, Key: k, CreatedNs: now, Version: entry.rec.Version + 1}
			if err := p.appendLocked(data, &hdr, rec); err != nil {
				return err
			}
			p.expiredSwept++
		}
		writeHeaderLocked(data, hdr)
		return p.b.Sync()
	})
	if err != nil && p.errorSink != nil {
		p.errorSink(fmt.Errorf("pool %s: sweep: %w", p.name, err))
	}
}

// Cleanup stops the sweeper and releases the backing resources (spec
// §6, "Cleanup"). Safe to call once; subsequent calls are no-ops.
func (p *Pool) Cleanup() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stopSweep)
		select {
		case <-p.sweepDone:
		case <-time.After(5 * time.Second):
		}
		err = p.b.Close()
	})
	return err
}

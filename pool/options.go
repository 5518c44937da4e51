package pool

import (
	"os"
	"path/filepath"
	"time"

	"github.com/benitogf/coat"
)

// Default tunables (spec §6).
const (
	DefaultCapacity      uint64        = 1 << 20 // 1 MiB
	DefaultSweepInterval time.Duration = time.Second
)

// Options configures Open. Name is the only required field.
type Options struct {
	// Name identifies the pool and, together with Dir, determines its
	// backing file path: <Dir>/<Name>.pool (spec §6).
	Name string

	// Dir overrides the default backing directory
	// (<tempdir>/mvent). Mainly useful for tests.
	Dir string

	// Capacity is the byte size reserved for a newly created pool
	// file. Ignored when an existing file is opened — the file's own
	// header is authoritative (spec §6).
	Capacity uint64

	// EncryptionKey, if set, turns on the encryption transformer for
	// every value this pool stores (spec §4.1). Must be
	// cryptobox.KeySize bytes.
	EncryptionKey []byte

	// SweepInterval is how often the TTL sweeper scans for expired
	// entries and converts them to tombstones (spec §4.1).
	SweepInterval time.Duration

	// LockTimeout bounds how long any single operation waits to
	// acquire the backing lock. <= 0 means wait indefinitely.
	LockTimeout time.Duration

	// Console defaults to a console named after the pool when nil.
	// The pool itself writes no log lines to it; sweep failures are
	// reported only through ErrorSink.
	Console *coat.Console

	// ErrorSink, if set, receives every error a TTL sweep pass hits.
	// The sweeper does not log these errors itself; it retries at the
	// next tick.
	ErrorSink func(error)

	// inMemory routes Open through memBacking instead of a real file.
	// Set only by OpenMemory.
	inMemory bool
}

func (o Options) withDefaults() (Options, error) {
	if o.Name == "" {
		return o, errNameRequired
	}
	if o.Capacity == 0 {
		o.Capacity = DefaultCapacity
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Console == nil {
		o.Console = coat.NewConsole("pool/"+o.Name, false)
	}
	return o, nil
}

func (o Options) path() string {
	dir := o.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "mvent")
	}
	return filepath.Join(dir, o.Name+".pool")
}

package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = pebble.ErrNotFound

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces a WAL sync from the application.
	FsyncModeNever
)

// ParseFsyncMode maps "always", "interval" and "never" to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch strings.ToLower(s) {
	case "always":
		return FsyncModeAlways, nil
	case "", "interval":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return FsyncModeUnspecified, fmt.Errorf("pebblestore: unknown fsync mode %q", s)
	}
}

// Options configures one column family store.
type Options struct {
	// Name is the column family name, reported to Metrics.
	Name string
	// DataDir is the directory holding this family's Pebble instance.
	DataDir string
	// CreateIfMissing allows creating DataDir. When false, opening a missing
	// family fails.
	CreateIfMissing bool
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions carries fully prepared engine options. If nil, Pebble
	// defaults are used.
	PebbleOptions *pebble.Options
	// Metrics observes read/write/commit latencies and sizes. Optional.
	Metrics MetricsHook
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveWrite(family string, elapsed time.Duration, bytes int)
	ObserveRead(family string, elapsed time.Duration, bytes int)
	ObserveBatchCommit(family string, elapsed time.Duration, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(string, time.Duration, int)       {}
func (NoopMetrics) ObserveRead(string, time.Duration, int)        {}
func (NoopMetrics) ObserveBatchCommit(string, time.Duration, int) {}

// DB is one column family: a Pebble instance plus its fsync policy.
// It is safe for concurrent use.
type DB struct {
	name      string
	dir       string
	inner     *pebble.DB
	writeSync bool
	metrics   MetricsHook
}

// Open creates or opens the Pebble instance described by opts.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	po.ErrorIfNotExists = !opts.CreateIfMissing

	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	default:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}

	if opts.CreateIfMissing {
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("pebblestore: create %s: %w", opts.DataDir, err)
		}
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %q at %s: %w", opts.Name, opts.DataDir, err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	name := opts.Name
	if name == "" {
		name = opts.DataDir
	}
	return &DB{
		name:      name,
		dir:       opts.DataDir,
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		metrics:   metrics,
	}, nil
}

// Name returns the column family name.
func (db *DB) Name() string { return db.name }

// Dir returns the directory backing the family.
func (db *DB) Dir() string { return db.dir }

// Close closes the Pebble instance.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// NewSnapshot creates a consistent view of the family. Caller must Close it.
func (db *DB) NewSnapshot() *pebble.Snapshot {
	return db.inner.NewSnapshot()
}

// NewBatch creates a batch for atomic multi-key updates.
func (db *DB) NewBatch() *pebble.Batch {
	return db.inner.NewBatch()
}

// CommitBatch commits b with the configured fsync policy.
func (db *DB) CommitBatch(ctx context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebblestore: nil batch")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	size := len(b.Repr())
	defer func() { db.metrics.ObserveBatchCommit(db.name, time.Since(start), size) }()

	syncMode := pebble.NoSync
	if db.writeSync {
		syncMode = pebble.Sync
	}
	return b.Commit(syncMode)
}

// Set writes key=value respecting the fsync policy.
func (db *DB) Set(key, value []byte) error {
	start := time.Now()
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		return err
	}
	db.metrics.ObserveWrite(db.name, time.Since(start), len(key)+len(value))
	return nil
}

// Delete removes key respecting the fsync policy.
func (db *DB) Delete(key []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Get returns a copy of the value for key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := append([]byte(nil), val...)
	db.metrics.ObserveRead(db.name, time.Since(start), len(buf))
	return buf, nil
}

// NewIter creates a raw Pebble iterator.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}

// CompactRange requests compaction of [start, end).
func (db *DB) CompactRange(start, end []byte) error {
	return db.inner.Compact(start, end, true)
}

// DiskUsage returns the bytes the family occupies on disk.
func (db *DB) DiskUsage() uint64 {
	return db.inner.Metrics().DiskSpaceUsage()
}

const healthKey = "\x00smyte-health"

// CheckHealth performs a write/read/delete round trip on a reserved key.
func (db *DB) CheckHealth() error {
	if db == nil || db.inner == nil {
		return errors.New("pebblestore: closed")
	}
	marker := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := db.inner.Set([]byte(healthKey), marker, pebble.NoSync); err != nil {
		return fmt.Errorf("pebblestore: health write %s: %w", db.name, err)
	}
	val, closer, err := db.inner.Get([]byte(healthKey))
	if err != nil {
		return fmt.Errorf("pebblestore: health read %s: %w", db.name, err)
	}
	ok := string(val) == string(marker)
	closer.Close()
	if !ok {
		return fmt.Errorf("pebblestore: health mismatch on %s", db.name)
	}
	return db.inner.Delete([]byte(healthKey), pebble.NoSync)
}

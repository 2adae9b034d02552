// Package pebblestore wraps one Pebble instance per column family with an
// fsync policy, batches, snapshots and metrics hooks.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    Name:            "counters-0",
//	    DataDir:         "/var/lib/smyte-db/counters-0",
//	    CreateIfMissing: true,
//	    Fsync:           pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(ctx, b)
//	b.Close()
//
//	v, err := db.Get([]byte("k"))
//	if errors.Is(err, pebblestore.ErrNotFound) { /* absent */ }
package pebblestore

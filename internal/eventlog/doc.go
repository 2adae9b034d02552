// Package eventlog is the embedded, Pebble-backed append-only log behind
// smyte-db streams when no broker is configured.
//
// # Layout
//
// One log per topic lives in the stream column family:
//   - log/{topic}/m              last assigned sequence
//   - log/{topic}/e/{seq_be8}    entries
//   - cursor/{topic}/{group}     durable consumer group cursors
//
// Entries are uvarint(headerLen) | header | payload | crc32c, where the
// header carries the append timestamp and the message key.
//
// # Usage
//
//	l, _ := eventlog.OpenLog(db, "clicks")
//	seqs, _ := l.Append(ctx, []eventlog.AppendRecord{{Key: k, Value: v}})
//
//	next, _, _ := l.GetCursor("indexer")
//	items, next, _ := l.Read(next, 100)
//	_ = l.CommitCursor("indexer", next)
//
//	// Park until the next append or a timeout.
//	l.WaitForAppend(ctx, 200*time.Millisecond)
//
//	// Retention by size.
//	_, _ = l.TrimToMaxBytes(ctx, 64<<20, 1024)
package eventlog

package eventlog

import (
	"github.com/cockroachdb/pebble"
)

// Item is one decoded entry.
type Item struct {
	Seq         uint64
	TimestampMs int64
	Key         []byte
	Value       []byte
}

// Read returns up to limit entries with seq >= from, in order, and the
// sequence to resume from. A zero limit reads to the end. Corrupt entries
// are skipped.
func (l *Log) Read(from uint64, limit int) ([]Item, uint64, error) {
	low, high := entryBounds(l.topic)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return nil, from, err
	}
	defer iter.Close()

	next := from
	var items []Item
	for ok := iter.SeekGE(KeyLogEntry(l.topic, from)); ok; ok = iter.Next() {
		if limit > 0 && len(items) >= limit {
			break
		}
		seq := seqFromKey(iter.Key())
		next = seq + 1
		dec, valid := DecodeRecord(iter.Value())
		if !valid {
			continue
		}
		items = append(items, Item{Seq: seq, TimestampMs: dec.TimestampMs, Key: dec.Key, Value: dec.Value})
	}
	return items, next, iter.Error()
}

// FirstSeq returns the oldest retained sequence, or LastSeq()+1 when the log
// is empty.
func (l *Log) FirstSeq() (uint64, error) {
	low, high := entryBounds(l.topic)
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if iter.First() {
		return seqFromKey(iter.Key()), nil
	}
	return l.LastSeq() + 1, iter.Error()
}

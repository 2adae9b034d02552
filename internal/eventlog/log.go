package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
)

// AppendRecord is a single message to append.
type AppendRecord struct {
	Key   []byte
	Value []byte
}

// Log is the append-only log of one topic. A process must hold at most one
// Log per topic and family.
type Log struct {
	db    *pebblestore.DB
	topic string
	now   func() time.Time

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// OpenLog loads the topic's last sequence from its metadata key.
func OpenLog(db *pebblestore.DB, topic string) (*Log, error) {
	if topic == "" {
		return nil, errors.New("eventlog: empty topic")
	}
	l := &Log{db: db, topic: topic, now: time.Now, notifyCh: make(chan struct{})}
	meta, err := db.Get(KeyLogMeta(topic))
	switch {
	case err == nil && len(meta) >= 8:
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, err
	}
	return l, nil
}

// Topic returns the topic name.
func (l *Log) Topic() string { return l.topic }

// LastSeq returns the last assigned sequence, 0 when empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Append writes recs as one atomic batch and returns their sequences.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	ts := l.now().UnixMilli()
	next := l.lastSeq
	seqs := make([]uint64, len(recs))
	for i, r := range recs {
		next++
		if err := b.Set(KeyLogEntry(l.topic, next), EncodeRecord(ts, r.Key, r.Value), nil); err != nil {
			return nil, err
		}
		seqs[i] = next
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], next)
	if err := b.Set(KeyLogMeta(l.topic), meta[:], nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	l.lastSeq = next

	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

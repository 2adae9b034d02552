package eventlog

import (
	"encoding/binary"
	"errors"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
)

// CommitCursor stores next as the group's resume position. A position
// lower than the stored one is ignored.
func (l *Log) CommitCursor(group string, next uint64) error {
	key := KeyCursor(l.topic, group)
	if cur, ok, err := l.GetCursor(group); err != nil {
		return err
	} else if ok && next <= cur {
		return nil
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], next)
	return l.db.Set(key, b[:])
}

// GetCursor loads the group's resume position.
func (l *Log) GetCursor(group string) (uint64, bool, error) {
	cur, err := l.db.Get(KeyCursor(l.topic, group))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(cur) < 8 {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(cur[:8]), true, nil
}

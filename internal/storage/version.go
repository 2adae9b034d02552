package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	pebblestore "github.com/eric-buaa-cn/smyte-db/internal/storage/pebble"
)

const (
	// VersionTimestampKey holds the last applied one-off flag timestamp.
	VersionTimestampKey = "VersionTimestamp"
	// MaxVersionTimestampAge bounds how old a candidate timestamp may be.
	MaxVersionTimestampAge = 30 * time.Minute
)

// CanApplyOneOffFlags reports whether candidateMs may gate one-off flags
// given the persisted timestamp: it must be newer than persistedMs and no
// older than MaxVersionTimestampAge at now.
func CanApplyOneOffFlags(candidateMs, persistedMs int64, now time.Time) bool {
	return candidateMs > persistedMs &&
		now.UnixMilli()-candidateMs <= MaxVersionTimestampAge.Milliseconds()
}

// readVersionTimestamp returns the persisted timestamp, or 0 when absent.
func readVersionTimestamp(meta *pebblestore.DB) (int64, error) {
	v, err := meta.Get([]byte(VersionTimestampKey))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%s: want 8 bytes, got %d", VersionTimestampKey, len(v))
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func writeVersionTimestamp(meta *pebblestore.DB, ts int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	return meta.Set([]byte(VersionTimestampKey), buf[:])
}

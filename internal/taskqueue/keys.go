package taskqueue

import (
	"encoding/binary"

	"github.com/eric-buaa-cn/smyte-db/pkg/id"
)

// A queue owns its column family, so keys carry no queue name.
//
//	task/{dueMs_be8}{id_16} -> record   due order
//	due/{id_16}             -> dueMs    lookup for Cancel
//	dlq/{id_16}             -> record   exhausted tasks
const (
	prefixTask = "task/"
	prefixDue  = "due/"
	prefixDLQ  = "dlq/"
)

// TaskKey returns the schedule key of a task due at dueMs.
func TaskKey(dueMs int64, tid id.ID) []byte {
	k := make([]byte, 0, len(prefixTask)+8+id.Size)
	k = append(k, prefixTask...)
	k = binary.BigEndian.AppendUint64(k, uint64(dueMs))
	return append(k, tid[:]...)
}

// DueKey returns the index key mapping a task id to its due time.
func DueKey(tid id.ID) []byte {
	return append([]byte(prefixDue), tid[:]...)
}

// DLQKey returns the dead-letter key of a task.
func DLQKey(tid id.ID) []byte {
	return append([]byte(prefixDLQ), tid[:]...)
}

// parseTaskKey splits a schedule key into due time and id.
func parseTaskKey(k []byte) (int64, id.ID, bool) {
	if len(k) != len(prefixTask)+8+id.Size || string(k[:len(prefixTask)]) != prefixTask {
		return 0, id.Zero, false
	}
	rest := k[len(prefixTask):]
	var tid id.ID
	copy(tid[:], rest[8:])
	return int64(binary.BigEndian.Uint64(rest[:8])), tid, true
}

// prefixBounds returns iterator bounds covering every key with prefix p.
func prefixBounds(p string) (lo, hi []byte) {
	lo = []byte(p)
	hi = append([]byte(p[:len(p)-1]), p[len(p)-1]+1)
	return lo, hi
}

// dueBound returns the exclusive upper bound of tasks due at or before nowMs.
func dueBound(nowMs int64) []byte {
	k := make([]byte, 0, len(prefixTask)+8)
	k = append(k, prefixTask...)
	return binary.BigEndian.AppendUint64(k, uint64(nowMs)+1)
}

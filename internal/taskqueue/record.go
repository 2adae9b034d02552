package taskqueue

import (
	"encoding/binary"
	"hash/crc32"
)

// Task record: attempt(4B BE) | payload | crc32c(attempt|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeTask(attempt int, payload []byte) []byte {
	out := make([]byte, 4, 4+len(payload)+4)
	binary.BigEndian.PutUint32(out, uint32(attempt))
	out = append(out, payload...)
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
}

func decodeTask(b []byte) (attempt int, payload []byte, ok bool) {
	if len(b) < 8 {
		return 0, nil, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return 0, nil, false
	}
	return int(binary.BigEndian.Uint32(body[:4])), append([]byte(nil), body[4:]...), true
}

package eventlog

import (
	"encoding/binary"
	"hash/crc32"
)

// Record encoding: uvarint headerLen | header | payload | crc32c(header|payload).
// The header is [8 bytes timestamp ms][message key].

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord encodes a message for storage.
func EncodeRecord(timestampMs int64, key, value []byte) []byte {
	hlen := 8 + len(key)
	out := make([]byte, 0, binary.MaxVarintLen64+hlen+len(value)+4)
	out = binary.AppendUvarint(out, uint64(hlen))
	out = appendBE8(out, uint64(timestampMs))
	out = append(out, key...)
	out = append(out, value...)

	crc := crc32.Checksum(out[len(out)-hlen-len(value):], castagnoli)
	return binary.BigEndian.AppendUint32(out, crc)
}

// Decoded is a stored message.
type Decoded struct {
	TimestampMs int64
	Key         []byte
	Value       []byte
}

// DecodeRecord validates and decodes b. It returns false on truncation or
// checksum mismatch.
func DecodeRecord(b []byte) (Decoded, bool) {
	hlen, n := binary.Uvarint(b)
	if n <= 0 || hlen < 8 {
		return Decoded{}, false
	}
	body := b[n:]
	if uint64(len(body)) < hlen+4 {
		return Decoded{}, false
	}
	data := body[:len(body)-4]
	if crc32.Checksum(data, castagnoli) != binary.BigEndian.Uint32(body[len(body)-4:]) {
		return Decoded{}, false
	}
	return Decoded{
		TimestampMs: int64(binary.BigEndian.Uint64(data[:8])),
		Key:         append([]byte(nil), data[8:hlen]...),
		Value:       append([]byte(nil), data[hlen:]...),
	}, true
}

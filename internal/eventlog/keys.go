package eventlog

import (
	"encoding/binary"
)

// Keyspace inside the stream family (byte-wise sortable):
//   - log/{topic}/m              last assigned sequence
//   - log/{topic}/e/{seq_be8}    entries
//   - cursor/{topic}/{group}     durable group cursor (next seq to read)

var (
	logPrefix    = []byte("log/")
	cursorPrefix = []byte("cursor/")
	metaSuffix   = []byte("/m")
	entrySeg     = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyLogMeta builds the topic metadata key.
func KeyLogMeta(topic string) []byte {
	k := make([]byte, 0, len(logPrefix)+len(topic)+len(metaSuffix))
	k = append(k, logPrefix...)
	k = append(k, topic...)
	return append(k, metaSuffix...)
}

// KeyLogEntry builds the entry key; the sequence is big-endian so keys sort
// in append order.
func KeyLogEntry(topic string, seq uint64) []byte {
	k := make([]byte, 0, len(logPrefix)+len(topic)+len(entrySeg)+8)
	k = append(k, logPrefix...)
	k = append(k, topic...)
	k = append(k, entrySeg...)
	return appendBE8(k, seq)
}

// KeyCursor builds the durable cursor key of group on topic.
func KeyCursor(topic, group string) []byte {
	k := make([]byte, 0, len(cursorPrefix)+len(topic)+len(group)+1)
	k = append(k, cursorPrefix...)
	k = append(k, topic...)
	k = append(k, '/')
	return append(k, group...)
}

// entryBounds returns [low, high) covering every entry of topic.
func entryBounds(topic string) (low, high []byte) {
	low = KeyLogEntry(topic, 0)
	high = append(KeyLogEntry(topic, ^uint64(0)), 0x00)
	return low, high
}

func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

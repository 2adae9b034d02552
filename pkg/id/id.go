package id

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"
)

// Size is the encoded length of an ID.
const Size = 16

// ID is a sortable 128-bit identifier.
type ID [Size]byte

// Zero is the empty ID.
var Zero ID

// Bytes returns a copy of the raw bytes.
func (i ID) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, i[:])
	return b
}

// String returns the lowercase hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Millis returns the creation time component.
func (i ID) Millis() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Seq returns the per-millisecond sequence component.
func (i ID) Seq() uint64 { return binary.BigEndian.Uint64(i[8:16]) }

// Time returns the creation time.
func (i ID) Time() time.Time { return time.UnixMilli(i.Millis()) }

// Compare orders IDs bytewise.
func (i ID) Compare(other ID) int { return bytes.Compare(i[:], other[:]) }

// FromBytes decodes a 16-byte slice.
func FromBytes(b []byte) (ID, error) {
	var out ID
	if len(b) != Size {
		return out, fmt.Errorf("id: want %d bytes, got %d", Size, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return FromBytes(b)
}

// Generator produces strictly increasing IDs.
type Generator struct {
	mu     sync.Mutex
	now    func() int64
	lastMs int64
	seq    uint64
}

// NewGenerator returns a Generator bound to the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: func() int64 { return time.Now().UnixMilli() }}
}

// NewGeneratorWithClock returns a Generator reading milliseconds from now.
func NewGeneratorWithClock(now func() int64) *Generator {
	return &Generator{now: now}
}

// Next returns the next ID.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	switch {
	case ms > g.lastMs:
		g.seq = 0
	case g.seq == math.MaxUint64:
		for ms <= g.lastMs {
			time.Sleep(time.Millisecond / 8)
			ms = g.now()
		}
		g.seq = 0
	default:
		g.seq++
	}
	g.lastMs = ms

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(ms))
	binary.BigEndian.PutUint64(out[8:16], g.seq)
	return out
}

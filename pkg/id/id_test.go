package id

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestNextIsMonotonic(t *testing.T) {
	g := NewGeneratorWithClock(func() int64 { return 1000 })
	a, b := g.Next(), g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected %s < %s", a, b)
	}
	if a.Millis() != 1000 || b.Seq() != 1 {
		t.Fatalf("unexpected components: ms=%d seq=%d", a.Millis(), b.Seq())
	}
}

func TestClockRegressionPinsLastMillisecond(t *testing.T) {
	var now atomic.Int64
	now.Store(1000)
	g := NewGeneratorWithClock(now.Load)
	a := g.Next()
	now.Store(900)
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected b > a after clock regression")
	}
	if b.Millis() != 1000 {
		t.Fatalf("millis = %d, want 1000", b.Millis())
	}
}

func TestSequenceOverflowWaitsForNextMillisecond(t *testing.T) {
	var now atomic.Int64
	now.Store(2000)
	g := NewGeneratorWithClock(now.Load)
	g.lastMs = 2000
	g.seq = ^uint64(0) - 1
	_ = g.Next()

	done := make(chan ID)
	go func() { done <- g.Next() }()
	time.AfterFunc(10*time.Millisecond, func() { now.Store(2001) })

	select {
	case got := <-done:
		if got.Millis() != 2001 || got.Seq() != 0 {
			t.Fatalf("got ms=%d seq=%d", got.Millis(), got.Seq())
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for overflow handling")
	}
}

func TestParseRoundTrip(t *testing.T) {
	want := NewGenerator().Next()
	got, err := Parse(want.String())
	if err != nil || got != want {
		t.Fatalf("Parse(%s) = %s, %v", want, got, err)
	}
	if _, err := Parse("abc"); err == nil {
		t.Fatalf("expected error for short input")
	}
	if _, err := FromBytes(make([]byte, 3)); err == nil {
		t.Fatalf("expected error for wrong length")
	}
}

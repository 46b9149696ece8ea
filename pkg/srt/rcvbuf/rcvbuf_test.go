package rcvbuf

import (
	"bytes"
	"testing"
	"time"

	"github.com/srtgo/srt/pkg/srt/wire"
)

func solo(msgno uint32) wire.DataFlags {
	return wire.DataFlags{Boundary: wire.BoundarySolo, InOrder: true, MsgNumber: msgno}
}

func TestInsertAndReadMessage(t *testing.T) {
	b := New(100, 32)
	if r := b.Insert(100, []byte("hello"), solo(1), 0); r != Inserted {
		t.Fatalf("Insert = %v, want Inserted", r)
	}
	msg, ok := b.ReadMessage()
	if !ok {
		t.Fatal("ReadMessage not ready")
	}
	if !bytes.Equal(msg, []byte("hello")) {
		t.Errorf("got %q, want %q", msg, "hello")
	}
	if b.Boundary() != 101 {
		t.Errorf("Boundary = %d, want 101", b.Boundary())
	}
}

func TestDuplicateInsertRejected(t *testing.T) {
	b := New(0, 8)
	b.Insert(0, []byte("first"), solo(1), 0)
	if r := b.Insert(0, []byte("second"), solo(1), 0); r != DuplicateUnacked {
		t.Fatalf("duplicate Insert = %v, want DuplicateUnacked", r)
	}
	// The original payload must survive untouched.
	msg, ok := b.ReadMessage()
	if !ok || !bytes.Equal(msg, []byte("first")) {
		t.Errorf("slot overwritten: got %q ok=%v", msg, ok)
	}
}

func TestInsertOverrun(t *testing.T) {
	b := New(0, 8)
	if r := b.Insert(8, nil, solo(1), 0); r != Overrun {
		t.Errorf("Insert beyond window = %v, want Overrun", r)
	}
	if r := b.Insert(7, nil, solo(1), 0); r != Inserted {
		t.Errorf("Insert at window edge = %v, want Inserted", r)
	}
}

func TestMessageReassembly(t *testing.T) {
	b := New(0, 8)
	first := wire.DataFlags{Boundary: wire.BoundaryFirst, MsgNumber: 9}
	mid := wire.DataFlags{Boundary: wire.BoundaryMiddle, MsgNumber: 9}
	last := wire.DataFlags{Boundary: wire.BoundaryLast, MsgNumber: 9}

	b.Insert(0, []byte("ab"), first, 0)
	b.Insert(2, []byte("ef"), last, 0)
	if _, ok := b.ReadMessage(); ok {
		t.Fatal("message delivered with a hole in the middle")
	}
	b.Insert(1, []byte("cd"), mid, 0)
	msg, ok := b.ReadMessage()
	if !ok {
		t.Fatal("complete message not delivered")
	}
	if !bytes.Equal(msg, []byte("abcdef")) {
		t.Errorf("reassembled %q, want %q", msg, "abcdef")
	}
	if b.Boundary() != 3 {
		t.Errorf("Boundary = %d, want 3", b.Boundary())
	}
}

func TestSkipAdvancesPastGap(t *testing.T) {
	b := New(0, 8)
	b.Insert(2, []byte("x"), solo(1), 0)
	if _, ok := b.ReadMessage(); ok {
		t.Fatal("read should block on leading gap")
	}
	b.Skip(2)
	msg, ok := b.ReadMessage()
	if !ok || !bytes.Equal(msg, []byte("x")) {
		t.Errorf("after Skip got %q ok=%v", msg, ok)
	}
}

func TestReadinessNonTSBPD(t *testing.T) {
	b := New(0, 8)
	ready, _, gap := b.Readiness(time.Now())
	if ready || gap {
		t.Errorf("empty buffer: ready=%v gap=%v", ready, gap)
	}
	b.Insert(0, []byte("a"), solo(1), 0)
	ready, _, _ = b.Readiness(time.Now())
	if !ready {
		t.Error("head slot filled but not ready")
	}
}

func TestReadinessReportsGap(t *testing.T) {
	b := New(0, 8)
	b.Insert(3, []byte("later"), solo(1), 0)
	ready, _, gap := b.Readiness(time.Now())
	if ready {
		t.Error("ready with empty head slot")
	}
	if !gap {
		t.Error("gap before an occupied slot not reported")
	}
}

func TestTSBPDDeadline(t *testing.T) {
	b := New(0, 8)
	b.EnableTSBPD(50 * time.Millisecond)
	now := time.Now()
	// Anchor: the peer's clock reads 1s at our local 'now'.
	b.SetPeerAnchor(now, time.Second)

	// Packet stamped at peer time 1s: deadline = now + 50ms latency.
	b.Insert(0, []byte("x"), solo(1), uint32(time.Second/time.Microsecond))

	ready, deadline, _ := b.Readiness(now)
	if ready {
		t.Error("packet ready before its play-out deadline")
	}
	if deadline.Before(now.Add(40*time.Millisecond)) || deadline.After(now.Add(60*time.Millisecond)) {
		t.Errorf("deadline %v not ~50ms after now", deadline.Sub(now))
	}
	ready, _, _ = b.Readiness(deadline)
	if !ready {
		t.Error("packet not ready at its deadline")
	}
}

func TestUndecryptableRetainsSlot(t *testing.T) {
	b := New(0, 8)
	flags := solo(1)
	flags.KeySpec = wire.KeyEven
	if r := b.Insert(0, []byte{0xEE}, flags, 0); r != Inserted {
		t.Fatal("insert failed")
	}
	b.MarkUndecryptable(0)
	// Message-mode delivery refuses undecryptable payloads, but the raw
	// head read still hands them out with flags intact.
	payload, got, ok := b.ReadHead()
	if !ok {
		t.Fatal("undecryptable slot vanished")
	}
	if got.KeySpec != wire.KeyEven {
		t.Errorf("encryption flags cleared: %+v", got)
	}
	if !bytes.Equal(payload, []byte{0xEE}) {
		t.Errorf("payload = %x", payload)
	}
}

func TestAvailTracksOccupancy(t *testing.T) {
	b := New(0, 8)
	if got := b.Avail(); got != 8 {
		t.Errorf("Avail = %d on an empty buffer, want 8", got)
	}
	b.Insert(0, []byte("a"), solo(1), 0)
	b.Insert(3, []byte("b"), solo(2), 0)
	if got := b.Avail(); got != 6 {
		t.Errorf("Avail = %d with two slots filled, want 6", got)
	}
	// Duplicates must not double-count.
	b.Insert(0, []byte("dup"), solo(1), 0)
	if got := b.Avail(); got != 6 {
		t.Errorf("Avail = %d after a rejected duplicate, want 6", got)
	}
	b.ReadMessage() // delivers slot 0
	if got := b.Avail(); got != 7 {
		t.Errorf("Avail = %d after delivery, want 7", got)
	}
	b.Skip(3) // clears the gap and the occupied slot at offset 2
	if got := b.Avail(); got != 8 {
		t.Errorf("Avail = %d after skipping past the gap, want 8", got)
	}
}

func TestDriftAdjustsDeadline(t *testing.T) {
	b := New(0, 8)
	b.EnableTSBPD(0)
	now := time.Now()
	b.SetPeerAnchor(now, 0)

	// A positive drift estimate pulls deadlines earlier.
	for i := 0; i < 64; i++ {
		b.UpdateDrift(80 * time.Millisecond)
	}
	b.Insert(0, []byte("x"), solo(1), uint32(100*time.Millisecond/time.Microsecond))
	ready, _, _ := b.Readiness(now.Add(40 * time.Millisecond))
	if !ready {
		t.Error("drift correction did not pull the deadline earlier")
	}
}

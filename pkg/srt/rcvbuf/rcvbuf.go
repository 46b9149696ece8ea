// Package rcvbuf implements the receiver's indexed ring of in-flight
// arrivals: a fixed-size ring addressed by sequence offset, with
// message reassembly across runs of consecutive sequence numbers and
// TsbPD-aware readiness for the delivery thread.
package rcvbuf

import (
	"sync"
	"time"

	"github.com/srtgo/srt/pkg/srt/seqno"
	"github.com/srtgo/srt/pkg/srt/wire"
)

// SlotState enumerates what a ring slot currently holds.
type SlotState uint8

const (
	SlotEmpty SlotState = iota
	SlotValid
	SlotUndecryptable
	SlotDropped
)

type slot struct {
	state     SlotState
	payload   []byte
	flags     wire.DataFlags
	timestamp uint32 // packet's wire timestamp, used to compute the TsbPD deadline
	deadline  time.Time
}

// InsertResult reports the outcome of Insert for caller-side statistics.
type InsertResult int

const (
	Inserted InsertResult = iota
	DuplicateUnacked
	Overrun
)

// Buffer is the receiver's ring of flow-window slots, addressed relative
// to RcvLastAck.
type Buffer struct {
	mu sync.Mutex

	window   int // flow-window size in packets; ring capacity
	slots    []slot
	occupied int // slots currently holding a payload (valid or undecryptable)

	rcvLastAck     seqno.Seq // logical read boundary: slots before this are gone
	tsbpdEnabled   bool
	tsbpdDelay     time.Duration
	peerStartLocal time.Time // anchor: now - peer_ctrl_ts at first HSREQ interpretation
	anchorSet      bool
	driftEWMA      time.Duration
}

// New creates a receive buffer sized to hold 'window' packets starting at
// the connection's initial sequence number.
func New(isn seqno.Seq, window int) *Buffer {
	return &Buffer{
		window:     window,
		slots:      make([]slot, window),
		rcvLastAck: isn,
	}
}

// EnableTSBPD turns on timestamp-based packet delivery with the given
// receive latency.
func (b *Buffer) EnableTSBPD(delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tsbpdEnabled = true
	b.tsbpdDelay = delay
}

// SetPeerAnchor establishes peer_start_time_local = now - ctrlTimestamp,
// computed once when the first HSREQ is interpreted.
func (b *Buffer) SetPeerAnchor(now time.Time, ctrlTimestamp time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.anchorSet {
		return
	}
	b.peerStartLocal = now.Add(-ctrlTimestamp)
	b.anchorSet = true
}

// OnPeerTimestamp folds one control-packet timestamp into the drift
// EWMA: the sample is the gap between the packet's nominal arrival
// time (anchor plus peer timestamp) and its actual arrival.
func (b *Buffer) OnPeerTimestamp(now time.Time, ctrlTimestamp time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.anchorSet {
		return
	}
	sample := now.Sub(b.peerStartLocal.Add(ctrlTimestamp))
	b.driftEWMA = b.driftEWMA + (sample-b.driftEWMA)/driftAlpha
}

// UpdateDrift folds one ACKACK round-trip timestamp sample into the drift
// EWMA that corrects clock skew between peers.
func (b *Buffer) UpdateDrift(sample time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.driftEWMA = b.driftEWMA + (sample-b.driftEWMA)/driftAlpha
}

// driftAlpha is the EWMA weight, matching the RTT smoothing divisor
// used elsewhere in the core.
const driftAlpha = 8

func (b *Buffer) index(seq seqno.Seq) int {
	off := seqno.Off(b.rcvLastAck, seq)
	return int(off) % b.window
}

// Insert places an arriving packet at (seq - RcvLastAck) mod window. It
// fails with DuplicateUnacked if the slot is already occupied, and with
// Overrun if the offset exceeds the window (indicates an ACK-pipeline
// bug upstream).
func (b *Buffer) Insert(seq seqno.Seq, payload []byte, flags wire.DataFlags, wireTimestamp uint32) InsertResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	off := seqno.Off(b.rcvLastAck, seq)
	if off < 0 || int(off) >= b.window {
		return Overrun
	}
	idx := int(off) % b.window
	if b.slots[idx].state == SlotValid || b.slots[idx].state == SlotUndecryptable {
		return DuplicateUnacked
	}
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	st := SlotValid
	deadline := time.Time{}
	if b.tsbpdEnabled && b.anchorSet {
		deadline = b.peerStartLocal.Add(time.Duration(wireTimestamp) * time.Microsecond).Add(b.tsbpdDelay).Add(-b.driftEWMA)
	}
	b.slots[idx] = slot{state: st, payload: payloadCopy, flags: flags, timestamp: wireTimestamp, deadline: deadline}
	b.occupied++
	return Inserted
}

// Avail returns how many empty slots remain, reported to the peer as
// its send credit in ACK payloads.
func (b *Buffer) Avail() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window - b.occupied
}

// MarkUndecryptable records that decryption failed for seq: the payload
// is retained (still deliverable at its TsbPD deadline, flagged
// undecryptable) rather than discarded.
func (b *Buffer) MarkUndecryptable(seq seqno.Seq) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.index(seq)
	if idx >= 0 && idx < len(b.slots) {
		b.slots[idx].state = SlotUndecryptable
	}
}

// AckData logically advances the read boundary by nSlots, releasing
// those slots back to empty.
func (b *Buffer) AckData(nSlots int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(nSlots)
}

// Skip unconditionally skips n slots, used when too-late-drop fires.
func (b *Buffer) Skip(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(n)
}

// advanceLocked moves the logical read boundary forward by n slots.
// Slots are addressed relative to rcvLastAck (index 0 == head), so
// advancing means rotating the backing array left by n and clearing the
// vacated tail.
func (b *Buffer) advanceLocked(n int) {
	if n <= 0 {
		return
	}
	if n > b.window {
		n = b.window
	}
	for i := 0; i < n; i++ {
		if b.slots[i].state != SlotEmpty {
			b.occupied--
		}
	}
	newSlots := make([]slot, b.window)
	copy(newSlots, b.slots[n:])
	b.slots = newSlots
	b.rcvLastAck = seqno.Add(b.rcvLastAck, int64(n))
}

// Boundary returns RcvLastAck, the logical read boundary below which
// every sequence number has been either delivered or skipped. Used by
// the transport core to fill ACK payloads and to compute the expected
// next sequence number for loss detection.
func (b *Buffer) Boundary() seqno.Seq {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rcvLastAck
}

// Readiness reports whether the head-of-line packet is ready for
// delivery. In TsbPD mode a slot is ready iff now >= its deadline;
// otherwise readiness is purely "head slot non-empty". When not ready,
// deadline carries the earliest future deadline so the caller (the TsbPD
// thread) can sleep precisely until then.
func (b *Buffer) Readiness(now time.Time) (ready bool, deadline time.Time, hasGapBeforeHead bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	head := b.slots[0]
	if head.state == SlotEmpty {
		// Look ahead for the earliest occupied slot to report its
		// deadline (or to detect a skippable leading gap).
		for i := 1; i < b.window; i++ {
			if b.slots[i].state != SlotEmpty {
				return false, b.slots[i].deadline, true
			}
		}
		return false, time.Time{}, false
	}
	if !b.tsbpdEnabled {
		return true, time.Time{}, false
	}
	if !now.Before(head.deadline) {
		return true, head.deadline, false
	}
	return false, head.deadline, false
}

// ReadHead returns and clears the head slot's payload for stream-mode
// reads; message-mode reassembly is handled by ReadMessage.
func (b *Buffer) ReadHead() (payload []byte, flags wire.DataFlags, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	head := b.slots[0]
	if head.state != SlotValid && head.state != SlotUndecryptable {
		return nil, wire.DataFlags{}, false
	}
	b.advanceLocked(1)
	return head.payload, head.flags, true
}

// ReadMessage reassembles one complete FIRST..LAST message starting at
// the head slot, returning ok=false if the message is not yet complete
// (a later boundary slot is still empty). It never returns a partial
// message.
func (b *Buffer) ReadMessage() (payload []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	head := b.slots[0]
	if head.state != SlotValid {
		return nil, false
	}
	if head.flags.Boundary == wire.BoundarySolo {
		b.advanceLocked(1)
		return head.payload, true
	}
	if head.flags.Boundary != wire.BoundaryFirst {
		return nil, false // desynchronized; caller should treat as loss
	}
	// Scan forward until LAST, ensuring every intermediate slot is valid.
	var assembled []byte
	count := 0
	for i := 0; i < b.window; i++ {
		s := b.slots[i]
		if s.state != SlotValid {
			return nil, false
		}
		assembled = append(assembled, s.payload...)
		count++
		if s.flags.Boundary == wire.BoundaryLast {
			b.advanceLocked(count)
			return assembled, true
		}
	}
	return nil, false
}

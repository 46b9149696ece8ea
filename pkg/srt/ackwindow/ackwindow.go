// Package ackwindow implements the fixed-size ring of recent
// (ackSeq, dataSeq, sendTime) triples used to compute RTT samples from
// ACKACK replies. A ring rather than a map: the window has a fixed
// capacity and a well-defined eviction order (oldest first).
package ackwindow

import (
	"sync"
	"time"
)

// DefaultSize matches the historical SRT ACK window capacity.
const DefaultSize = 1024

type entry struct {
	valid   bool
	ackSeq  uint32
	dataSeq uint32
	sendAt  time.Time
}

// Window is a ring of recent ACK records.
type Window struct {
	mu      sync.Mutex
	entries []entry
	head    int // next write position
}

// New creates an ACK window with the given capacity.
func New(size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{entries: make([]entry, size)}
}

// Store records a newly sent ACK's sequence, the data sequence it
// acknowledged, and the time it was sent, overwriting the oldest entry
// once the ring is full.
func (w *Window) Store(ackSeq, dataSeq uint32, sendAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[w.head] = entry{valid: true, ackSeq: ackSeq, dataSeq: dataSeq, sendAt: sendAt}
	w.head = (w.head + 1) % len(w.entries)
}

// Ack looks up the stored send time for ackSeq (searching backwards from
// the most recently written entry, as a genuine ACKACK almost always
// references a recent ACK) and returns the RTT and the acknowledged data
// sequence. ok is false if no matching entry is found, in which case the
// ACKACK is discarded without side effects.
func (w *Window) Ack(ackSeq uint32, now time.Time) (rtt time.Duration, dataSeq uint32, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.entries)
	for i := 0; i < n; i++ {
		idx := (w.head - 1 - i + n) % n
		e := w.entries[idx]
		if e.valid && e.ackSeq == ackSeq {
			return now.Sub(e.sendAt), e.dataSeq, true
		}
	}
	return 0, 0, false
}

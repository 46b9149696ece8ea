package losslist

import (
	"sync"

	"github.com/srtgo/srt/pkg/srt/seqno"
)

// belatedEntry is one (lo, hi, ttl) record in the belated-loss queue: a
// loss the receiver defers reporting because out-of-order delivery
// tolerance may still cover it.
type belatedEntry struct {
	lo, hi seqno.Seq
	ttl    int
}

// Receiver is the receiver's primary loss list plus its belated-loss
// queue and adaptive reorder-tolerance state.
type Receiver struct {
	mu sync.Mutex

	primary []Range

	belated        []belatedEntry
	reorderTTL     int // current reorder tolerance, in packets
	maxReorderTTL  int
	inOrderStreak  int // consecutive in-order deliveries since the last tolerance raise
	raisedRecently bool
}

// NewReceiver creates an empty receiver loss list with the belated-loss
// feature's tolerance ceiling.
func NewReceiver(maxReorderTolerance int) *Receiver {
	return &Receiver{maxReorderTTL: maxReorderTolerance}
}

// InsertPrimary adds [lo, hi] directly to the primary list (used when the
// belated-loss feature is disabled, or once a belated entry's TTL
// expires).
func (r *Receiver) InsertPrimary(lo, hi seqno.Seq) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = insertRange(r.primary, Range{lo, hi})
}

// InsertBelated adds a newly discovered gap to the belated-loss queue
// with the current reorder tolerance as its TTL.
func (r *Receiver) InsertBelated(lo, hi seqno.Seq) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.belated = append(r.belated, belatedEntry{lo: lo, hi: hi, ttl: r.reorderTTL})
}

// Tick decrements every belated entry's TTL by one (called once per
// arriving data packet) and returns the ranges whose TTL
// has expired, promoting them to LOSSREPORT-worthy primary losses. The
// expired entries are removed from the belated queue.
func (r *Receiver) Tick() (expired []Range) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []belatedEntry
	for _, e := range r.belated {
		e.ttl--
		if e.ttl <= 0 {
			expired = append(expired, Range{e.lo, e.hi})
			r.primary = insertRange(r.primary, Range{e.lo, e.hi})
		} else {
			kept = append(kept, e)
		}
	}
	r.belated = kept
	return expired
}

// OnOutOfOrderArrival removes seq from both the primary list and the
// belated queue (splitting ranges as needed), and feeds the adaptive
// reorder-tolerance algorithm. originalRexmitFlag reports the arriving
// packet's R bit: tolerance only adapts on confirmed-original (R==0)
// out-of-order arrivals, and only once both peers advertise rexmit-flag
// support.
func (r *Receiver) OnOutOfOrderArrival(seq seqno.Seq, seqDiff int, originalAndOutOfOrder, rexmitFlagSupported bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.primary = removeRange(r.primary, seq, seq)
	r.belated = removeFromBelated(r.belated, seq)

	if !rexmitFlagSupported {
		return
	}
	if originalAndOutOfOrder {
		target := seqDiff
		if target > r.maxReorderTTL {
			target = r.maxReorderTTL
		}
		if target > r.reorderTTL {
			r.reorderTTL = target
			r.raisedRecently = true
		}
		r.inOrderStreak = 0
		return
	}
	r.inOrderStreak++
	if r.inOrderStreak >= 50 {
		r.inOrderStreak = 0
		if r.raisedRecently {
			// Hysteresis: skip exactly one decrement right after a raise
			// to prevent oscillation.
			r.raisedRecently = false
			return
		}
		if r.reorderTTL > 0 {
			r.reorderTTL--
		}
	}
}

func removeFromBelated(entries []belatedEntry, seq seqno.Seq) []belatedEntry {
	var out []belatedEntry
	for _, e := range entries {
		split := removeRange([]Range{{e.lo, e.hi}}, seq, seq)
		for _, s := range split {
			out = append(out, belatedEntry{lo: s.Lo, hi: s.Hi, ttl: e.ttl})
		}
	}
	return out
}

// OnDropRange removes [lo, hi] from both the primary list and the
// belated queue after the sender declared the range unrecoverable via
// DROPREQ: those sequences will never arrive, so reporting them again
// would only provoke pointless retransmission requests.
func (r *Receiver) OnDropRange(lo, hi seqno.Seq) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = removeRange(r.primary, lo, hi)
	var out []belatedEntry
	for _, e := range r.belated {
		for _, s := range removeRange([]Range{{e.lo, e.hi}}, lo, hi) {
			out = append(out, belatedEntry{lo: s.Lo, hi: s.Hi, ttl: e.ttl})
		}
	}
	r.belated = out
}

// PullForReport drains the primary list in ascending order for a
// LOSSREPORT emission.
func (r *Receiver) PullForReport() []Range {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.primary
	r.primary = nil
	return out
}

// FirstMissing returns the lowest sequence currently missing across
// the primary list and the belated queue, ok=false when nothing is
// missing. The ACK emitter uses it to acknowledge everything below the
// first gap.
func (r *Receiver) FirstMissing() (seqno.Seq, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lowest seqno.Seq
	found := false
	for _, rg := range r.primary {
		if !found || seqno.Less(rg.Lo, lowest) {
			lowest = rg.Lo
			found = true
		}
	}
	for _, e := range r.belated {
		if !found || seqno.Less(e.lo, lowest) {
			lowest = e.lo
			found = true
		}
	}
	return lowest, found
}

// PrimaryEmpty reports whether the primary loss list has no entries.
func (r *Receiver) PrimaryEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.primary) == 0
}

// ReorderTolerance returns the current adaptive tolerance value.
func (r *Receiver) ReorderTolerance() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reorderTTL
}

// MissingCount returns the sum of sequence-range lengths across the
// primary list plus the belated queue: the total number of sequences
// currently missing from the receive window.
func (r *Receiver) MissingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rg := range r.primary {
		n += int(seqno.Len(rg.Lo, rg.Hi))
	}
	for _, e := range r.belated {
		n += int(seqno.Len(e.lo, e.hi))
	}
	return n
}

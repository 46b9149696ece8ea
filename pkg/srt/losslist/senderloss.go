// Package losslist implements the sender loss list, the receiver loss
// list, and the belated-loss queue. Losses are kept as disjoint, sorted
// sequence ranges since SRT reports and retransmits by range rather
// than by individual sequence.
package losslist

import (
	"sort"
	"sync"

	"github.com/srtgo/srt/pkg/srt/seqno"
)

type Range struct{ Lo, Hi seqno.Seq }

// Sender is the ordered, disjoint set of sequences the sender must
// retransmit.
type Sender struct {
	mu       sync.Mutex
	ranges   []Range
	capacity int // twice the flow window, to tolerate lite-ACK bursts
}

// NewSender creates an empty sender loss list sized to twice the given
// flow window, to tolerate lite-ACK bursts.
func NewSender(flowWindow int) *Sender {
	return &Sender{capacity: 2 * flowWindow}
}

// Insert adds or merges [lo, hi] into the list.
func (s *Sender) Insert(lo, hi seqno.Seq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = insertRange(s.ranges, Range{lo, hi})
}

// PopLowest returns the lowest queued sequence for retransmission and
// removes it (shrinking the range by one from the low end).
func (s *Sender) PopLowest() (seqno.Seq, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ranges) == 0 {
		return 0, false
	}
	lo := s.ranges[0].Lo
	if s.ranges[0].Lo == s.ranges[0].Hi {
		s.ranges = s.ranges[1:]
	} else {
		s.ranges[0].Lo = seqno.Inc(s.ranges[0].Lo)
	}
	return lo, true
}

// RemoveUpTo discards all loss ranges entirely preceding seq (modular).
func (s *Sender) RemoveUpTo(seq seqno.Seq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = removeUpTo(s.ranges, seq)
}

// Empty reports whether the list currently holds no losses.
func (s *Sender) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ranges) == 0
}

// Len returns the total count of sequence numbers across all ranges.
func (s *Sender) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.ranges {
		n += int(seqno.Len(r.Lo, r.Hi))
	}
	return n
}

// --- shared range-list helpers, used by both Sender and Receiver ---

func insertRange(ranges []Range, add Range) []Range {
	ranges = append(ranges, add)
	sort.Slice(ranges, func(i, j int) bool { return seqno.Less(ranges[i].Lo, ranges[j].Lo) })
	merged := ranges[:0]
	for _, r := range ranges {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			// Merge when r starts at-or-before last.Hi+1 (contiguous or overlapping).
			if !seqno.Less(seqno.Inc(last.Hi), r.Lo) {
				if seqno.Less(last.Hi, r.Hi) {
					last.Hi = r.Hi
				}
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

func removeUpTo(ranges []Range, seq seqno.Seq) []Range {
	var out []Range
	for _, r := range ranges {
		if !seqno.Less(r.Hi, seq) {
			if seqno.Less(r.Lo, seq) {
				r.Lo = seq
			}
			out = append(out, r)
		}
	}
	return out
}

// removeRange splits or strips ranges to remove exactly [lo,hi], used by
// the receiver list and belated queue (on out-of-order arrival and on
// DROPREQ).
func removeRange(ranges []Range, lo, hi seqno.Seq) []Range {
	var out []Range
	for _, r := range ranges {
		switch {
		case seqno.Less(hi, r.Lo) || seqno.Less(r.Hi, lo):
			out = append(out, r) // disjoint, unaffected
		case !seqno.Less(r.Lo, lo) && !seqno.Less(hi, r.Hi):
			// [lo,hi] fully covers r: drop it entirely.
		case seqno.Less(lo, r.Lo):
			// removal starts before r: trim r's low end.
			if seqno.Less(hi, r.Hi) {
				out = append(out, Range{seqno.Inc(hi), r.Hi})
			}
		case seqno.Less(r.Hi, hi):
			// removal ends after r: trim r's high end.
			out = append(out, Range{r.Lo, seqno.Dec(lo)})
		default:
			// removal inside r: keep the parts on either side of it.
			if seqno.Less(r.Lo, lo) {
				out = append(out, Range{r.Lo, seqno.Dec(lo)})
			}
			if seqno.Less(hi, r.Hi) {
				out = append(out, Range{seqno.Inc(hi), r.Hi})
			}
		}
	}
	return out
}

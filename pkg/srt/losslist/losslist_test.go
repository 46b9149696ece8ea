package losslist

import (
	"testing"

	"github.com/srtgo/srt/pkg/srt/seqno"
)

func drain(s *Sender) []seqno.Seq {
	var out []seqno.Seq
	for {
		seq, ok := s.PopLowest()
		if !ok {
			return out
		}
		out = append(out, seq)
	}
}

func TestSenderInsertAndPopOrdered(t *testing.T) {
	s := NewSender(1024)
	s.Insert(20, 22)
	s.Insert(10, 10)
	s.Insert(15, 16)

	got := drain(s)
	want := []seqno.Seq{10, 15, 16, 20, 21, 22}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pop %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSenderMergesAdjacentRanges(t *testing.T) {
	s := NewSender(1024)
	s.Insert(10, 12)
	s.Insert(13, 15) // contiguous: must merge
	s.Insert(11, 14) // fully overlapping
	if s.Len() != 6 {
		t.Errorf("Len = %d, want 6", s.Len())
	}
}

func TestSenderRemoveUpTo(t *testing.T) {
	s := NewSender(1024)
	s.Insert(10, 20)
	s.RemoveUpTo(15)
	got := drain(s)
	if len(got) != 6 || got[0] != 15 || got[5] != 20 {
		t.Errorf("after RemoveUpTo(15): %v", got)
	}
}

func TestSenderEmptyPop(t *testing.T) {
	s := NewSender(16)
	if _, ok := s.PopLowest(); ok {
		t.Error("PopLowest on empty list returned ok")
	}
	if !s.Empty() {
		t.Error("fresh list not empty")
	}
}

func TestSenderRangeAcrossRollover(t *testing.T) {
	s := NewSender(1024)
	last := seqno.Seq(seqno.SeqMax - 2)
	s.Insert(last, 1) // {2^31-2, 2^31-1, 0, 1}
	if s.Len() != 4 {
		t.Errorf("Len = %d, want 4", s.Len())
	}
	got := drain(s)
	want := []seqno.Seq{last, seqno.Inc(last), 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pop %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestReceiverBelatedTTLExpiry(t *testing.T) {
	r := NewReceiver(16)
	// Tolerance 3: the gap waits three arrivals before being reported.
	r.OnOutOfOrderArrival(5, 3, true, true) // raises tolerance to 3
	r.InsertBelated(10, 12)

	for i := 0; i < 2; i++ {
		if expired := r.Tick(); expired != nil {
			t.Fatalf("expired early on tick %d: %v", i, expired)
		}
	}
	expired := r.Tick()
	if len(expired) != 1 || expired[0].Lo != 10 || expired[0].Hi != 12 {
		t.Fatalf("expired = %v, want [{10 12}]", expired)
	}
	if r.PrimaryEmpty() {
		t.Error("expired range not promoted to primary list")
	}
}

func TestReceiverZeroToleranceReportsImmediately(t *testing.T) {
	r := NewReceiver(16)
	r.InsertBelated(10, 10)
	if expired := r.Tick(); len(expired) != 1 {
		t.Errorf("zero-TTL entry should expire on the first tick, got %v", expired)
	}
}

func TestReceiverOutOfOrderSplitsRange(t *testing.T) {
	r := NewReceiver(16)
	r.InsertPrimary(10, 14)
	r.OnOutOfOrderArrival(12, 0, false, true)

	ranges := r.PullForReport()
	if len(ranges) != 2 {
		t.Fatalf("ranges = %v, want two after interior removal", ranges)
	}
	if ranges[0].Lo != 10 || ranges[0].Hi != 11 || ranges[1].Lo != 13 || ranges[1].Hi != 14 {
		t.Errorf("split = %v, want [10,11] [13,14]", ranges)
	}
}

func TestReceiverDropRange(t *testing.T) {
	r := NewReceiver(16)
	r.InsertPrimary(10, 20)
	r.InsertBelated(30, 35)
	r.OnDropRange(12, 32)

	if got := r.MissingCount(); got != 2+3 {
		t.Errorf("MissingCount after drop = %d, want 5", got)
	}
}

func TestAdaptiveToleranceRaise(t *testing.T) {
	r := NewReceiver(8)
	r.OnOutOfOrderArrival(100, 5, true, true)
	if got := r.ReorderTolerance(); got != 5 {
		t.Errorf("tolerance = %d, want 5", got)
	}
	// Ceiling applies.
	r.OnOutOfOrderArrival(101, 100, true, true)
	if got := r.ReorderTolerance(); got != 8 {
		t.Errorf("tolerance = %d, want ceiling 8", got)
	}
	// No adaptation without rexmit-flag support.
	r2 := NewReceiver(8)
	r2.OnOutOfOrderArrival(100, 5, true, false)
	if got := r2.ReorderTolerance(); got != 0 {
		t.Errorf("tolerance adapted without peer support: %d", got)
	}
}

func TestAdaptiveToleranceDecayAfterFifty(t *testing.T) {
	r := NewReceiver(8)
	r.OnOutOfOrderArrival(100, 3, true, true)
	if r.ReorderTolerance() != 3 {
		t.Fatalf("setup failed: tolerance %d", r.ReorderTolerance())
	}

	// First 50 in-order arrivals hit the hysteresis gate: no decrement.
	for i := 0; i < 50; i++ {
		r.OnOutOfOrderArrival(seqno.Seq(200+i), 0, false, true)
	}
	if got := r.ReorderTolerance(); got != 3 {
		t.Errorf("tolerance = %d after first streak, want 3 (hysteresis)", got)
	}
	// The next 50 decrement by one.
	for i := 0; i < 50; i++ {
		r.OnOutOfOrderArrival(seqno.Seq(300+i), 0, false, true)
	}
	if got := r.ReorderTolerance(); got != 2 {
		t.Errorf("tolerance = %d after second streak, want 2", got)
	}
}

func TestMissingCountSumsBothQueues(t *testing.T) {
	r := NewReceiver(16)
	r.InsertPrimary(1, 3)
	r.InsertBelated(10, 11)
	if got := r.MissingCount(); got != 5 {
		t.Errorf("MissingCount = %d, want 5", got)
	}
}

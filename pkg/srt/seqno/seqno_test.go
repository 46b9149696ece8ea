package seqno

import "testing"

func TestCmpOrdering(t *testing.T) {
	if Cmp(5, 3) <= 0 {
		t.Errorf("Cmp(5,3) = %d, want > 0", Cmp(5, 3))
	}
	if Cmp(3, 5) >= 0 {
		t.Errorf("Cmp(3,5) = %d, want < 0", Cmp(3, 5))
	}
	if Cmp(7, 7) != 0 {
		t.Errorf("Cmp(7,7) = %d, want 0", Cmp(7, 7))
	}
}

func TestCmpAtRollover(t *testing.T) {
	last := Seq(SeqMax - 1)
	if Cmp(last, 0) >= 0 {
		t.Errorf("Cmp(2^31-1, 0) = %d, want < 0", Cmp(last, 0))
	}
	if Cmp(0, last) <= 0 {
		t.Errorf("Cmp(0, 2^31-1) = %d, want > 0", Cmp(0, last))
	}
}

func TestIncDecWrap(t *testing.T) {
	last := Seq(SeqMax - 1)
	if Inc(last) != 0 {
		t.Errorf("Inc(2^31-1) = %d, want 0", Inc(last))
	}
	if Dec(0) != last {
		t.Errorf("Dec(0) = %d, want %d", Dec(0), last)
	}
	if Inc(100) != 101 {
		t.Errorf("Inc(100) = %d, want 101", Inc(100))
	}
}

func TestIncAlwaysFollows(t *testing.T) {
	for _, s := range []Seq{0, 1, 1000, Seq(SeqMax / 2), Seq(SeqMax - 2), Seq(SeqMax - 1)} {
		if Cmp(Inc(s), s) <= 0 {
			t.Errorf("Cmp(Inc(%d), %d) = %d, want > 0", s, s, Cmp(Inc(s), s))
		}
	}
}

func TestLen(t *testing.T) {
	if got := Len(10, 10); got != 1 {
		t.Errorf("Len(10,10) = %d, want 1", got)
	}
	if got := Len(10, 19); got != 10 {
		t.Errorf("Len(10,19) = %d, want 10", got)
	}
	// Across the wrap singularity the two neighbors still span 2.
	last := Seq(SeqMax - 1)
	if got := Len(last, Inc(last)); got != 2 {
		t.Errorf("Len(2^31-1, 0) = %d, want 2", got)
	}
}

func TestAddAndOff(t *testing.T) {
	if got := Add(10, 5); got != 15 {
		t.Errorf("Add(10,5) = %d, want 15", got)
	}
	if got := Add(5, -10); got != Seq(SeqMax-5) {
		t.Errorf("Add(5,-10) = %d, want %d", got, SeqMax-5)
	}
	last := Seq(SeqMax - 1)
	if got := Add(last, 1); got != 0 {
		t.Errorf("Add(2^31-1, 1) = %d, want 0", got)
	}
	for _, tc := range []struct {
		base, seq Seq
		want      int32
	}{
		{100, 105, 5},
		{105, 100, -5},
		{last, 2, 3},
		{2, last, -3},
	} {
		if got := Off(tc.base, tc.seq); got != tc.want {
			t.Errorf("Off(%d,%d) = %d, want %d", tc.base, tc.seq, got, tc.want)
		}
	}
}

func TestMsgnoWrap(t *testing.T) {
	last := Msgno(MsgMax - 1)
	if IncMsgno(last) != 0 {
		t.Errorf("IncMsgno(2^26-1) = %d, want 0", IncMsgno(last))
	}
	if NormalizeMsgno(MsgMax+7) != 7 {
		t.Errorf("NormalizeMsgno(MsgMax+7) = %d, want 7", NormalizeMsgno(MsgMax+7))
	}
}
